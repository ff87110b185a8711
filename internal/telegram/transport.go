// Package telegram adapts the Telegram Bot API to the pipeline: outbound
// text and photos, photo staging, webhook registration, and conversion of
// inbound updates into chat events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobs"
	"github.com/fpang/photo-detect/internal/session"
)

// BotAPI is the subset of *tgbotapi.BotAPI used here.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
	GetWebhookInfo() (tgbotapi.WebhookInfo, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Transport is the chat transport used by the front-end.
type Transport struct {
	bot      BotAPI
	token    string
	stageDir string
	client   *http.Client
	fileURL  func(filePath string) string
}

// NewTransport wraps bot. Staged photos are written below stageDir.
func NewTransport(bot BotAPI, token, stageDir string) *Transport {
	t := &Transport{
		bot:      bot,
		token:    token,
		stageDir: stageDir,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	t.fileURL = func(filePath string) string {
		return fmt.Sprintf(tgbotapi.FileEndpoint, t.token, filePath)
	}
	return t
}

// Connect authenticates token against the Bot API and returns a Transport.
func Connect(token, stageDir string) (*Transport, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Int64("botId", bot.Self.ID).Msg("Telegram bot authenticated")
	return NewTransport(bot, token, stageDir), nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: chat id %q: %v", jobs.ErrBadInput, chatID, err)
	}
	return id, nil
}

func (t *Transport) SendText(_ context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(id, text)); err != nil {
		return fmt.Errorf("send message to %s: %w", chatID, err)
	}
	return nil
}

func (t *Transport) SendPhoto(_ context.Context, chatID, imagePath string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("photo %s: %w", imagePath, err)
	}
	if _, err := t.bot.Send(tgbotapi.NewPhoto(id, tgbotapi.FilePath(imagePath))); err != nil {
		return fmt.Errorf("send photo to %s: %w", chatID, err)
	}
	return nil
}

// StagePhoto downloads the file behind fileID into the staging directory,
// keeping Telegram's folder name (e.g. photos/) and a unique file name.
func (t *Transport) StagePhoto(ctx context.Context, fileID string) (string, error) {
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file %s: %w: %v", fileID, jobs.ErrTransientIO, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("%w: file %s has no path", jobs.ErrBadInput, fileID)
	}

	dir := filepath.Join(t.stageDir, path.Dir(file.FilePath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	base := path.Base(file.FilePath)
	ext := path.Ext(base)
	out, err := os.CreateTemp(dir, strings.TrimSuffix(base, ext)+"-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}

	if err := t.download(ctx, file.FilePath, out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("close staged file: %w", err)
	}

	log.Debug().Str("fileId", fileID).Str("path", out.Name()).Msg("Photo staged")
	return out.Name(), nil
}

func (t *Transport) download(ctx context.Context, filePath string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileURL(filePath), nil)
	if err != nil {
		return fmt.Errorf("build file request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w: %v", filePath, jobs.ErrTransientIO, redact(err, t.token))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %w: status %d", filePath, jobs.ErrTransientIO, resp.StatusCode)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w: %v", filePath, jobs.ErrTransientIO, err)
	}
	return nil
}

// redact keeps the bot token out of logged URLs.
func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}

// EnsureWebhook registers url as the bot's webhook unless it already is.
// A non-empty secret is sent as secret_token so Telegram echoes it in the
// X-Telegram-Bot-Api-Secret-Token header.
func (t *Transport) EnsureWebhook(url, secret string) error {
	info, err := t.bot.GetWebhookInfo()
	if err != nil {
		return fmt.Errorf("get webhook info: %w", err)
	}
	if info.URL == url {
		log.Info().Msg("Webhook already registered at the desired URL")
		return nil
	}
	log.Info().Bool("previouslySet", info.URL != "").Msg("Registering webhook")

	params := tgbotapi.Params{}
	params["url"] = url
	params.AddNonEmpty("secret_token", secret)
	resp, err := t.bot.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("set webhook: %w", redact(err, t.token))
	}
	if !resp.Ok {
		return fmt.Errorf("set webhook: %s", resp.Description)
	}
	log.Info().Msg("Webhook set successfully")
	return nil
}

// Poll long-polls getUpdates and passes each converted event to handle
// until ctx is done. Used when no public URL is configured. Events of one
// chat are handled in order; Poll returns once in-flight events finish.
func (t *Transport) Poll(ctx context.Context, handle func(context.Context, session.Event)) error {
	if _, err := t.bot.MakeRequest("deleteWebhook", tgbotapi.Params{}); err != nil {
		return fmt.Errorf("delete webhook: %w", redact(err, t.token))
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)
	defer t.bot.StopReceivingUpdates()

	d := newChatDispatcher(handle)
	defer d.wait()

	log.Info().Msg("Polling Telegram for updates")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if ev, ok := EventFromUpdate(up); ok {
				d.dispatch(ctx, ev)
			}
		}
	}
}

// EventFromUpdate converts a Telegram update into a chat event. It returns
// false for updates that carry no message at all. Messages without text or
// a photo yield an event the state machine treats as malformed.
func EventFromUpdate(up tgbotapi.Update) (session.Event, bool) {
	msg := up.Message
	if msg == nil || msg.Chat == nil {
		return session.Event{}, false
	}
	ev := session.Event{ChatID: strconv.FormatInt(msg.Chat.ID, 10)}
	switch {
	case len(msg.Photo) > 0:
		// Sizes are ordered smallest first.
		ev.Kind = session.KindPhoto
		ev.Payload = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		ev.Kind = session.KindPhoto
		ev.Payload = msg.Document.FileID
	case msg.Text != "":
		ev.Kind = session.KindText
		ev.Payload = msg.Text
	}
	return ev, true
}
