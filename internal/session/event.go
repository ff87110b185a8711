package session

import "strings"

// Kind is the type of an inbound chat event.
type Kind string

const (
	KindText  Kind = "text"
	KindPhoto Kind = "photo"
)

// Event is one inbound chat event. For photos Payload is the transport's
// file reference; for text it is the message text.
type Event struct {
	ChatID  string
	Kind    Kind
	Payload string
}

// Valid reports whether the event carries every required field.
func (e Event) Valid() bool {
	if e.ChatID == "" || strings.TrimSpace(e.Payload) == "" {
		return false
	}
	return e.Kind == KindText || e.Kind == KindPhoto
}

type command int

const (
	cmdNone command = iota
	cmdStart
	cmdDone
	cmdHelp
)

func parseCommand(text string) command {
	t := strings.ToLower(strings.TrimSpace(text))
	// Telegram appends the bot name in groups: /detect@my_bot
	if i := strings.IndexByte(t, '@'); i > 0 && strings.HasPrefix(t, "/") {
		t = t[:i]
	}
	switch t {
	case "/detect", "/start", "start detection":
		return cmdStart
	case "/done", "done":
		return cmdDone
	case "/help", "help":
		return cmdHelp
	}
	return cmdNone
}

// Mode controls when a staged photo is handed to the producer.
type Mode string

const (
	// ModeImmediate submits each photo as it arrives and keeps collecting
	// until "done".
	ModeImmediate Mode = "immediate"
	// ModeDeferred stages photos and submits the whole batch on "done".
	ModeDeferred Mode = "deferred"
	// ModeSingleShot submits the photo and returns the chat to idle.
	ModeSingleShot Mode = "single-shot"
)

// ParseMode maps a config string to a Mode, defaulting to ModeImmediate.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDeferred:
		return ModeDeferred
	case ModeSingleShot, "single", "singleshot":
		return ModeSingleShot
	}
	return ModeImmediate
}

// Replies sent by the state machine.
const (
	MsgStartPrompt      = "Send me one or more photos to analyse. Send \"done\" when you are finished."
	MsgAlreadyWaiting   = "Already waiting for photos. Send a photo, or \"done\" to finish."
	MsgUseStartFirst    = "Please send \"start detection\" (or /detect) before sending photos."
	MsgNothingToProcess = "Nothing to process. Send a photo first, then \"done\"."
	MsgStillSubmitting  = "Still submitting your photos, please wait..."
	MsgUsage            = "Send \"start detection\" to begin, then one or more photos, then \"done\"."
	MsgAwaitingUsage    = "Waiting for photos. Send a photo, or \"done\" to finish."
	msgProcessing       = "Your image is being processed. Please wait... (prediction %s)"
	msgBatchClosed      = "Done. %d photo(s) submitted; each result arrives when it is ready."
)
