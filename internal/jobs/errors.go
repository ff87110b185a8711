package jobs

import (
	"context"
	"errors"
)

// Error kinds shared by every hop of the pipeline. Wrap them with
// fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	// ErrBadInput is user-caused and never retried.
	ErrBadInput = errors.New("bad input")
	// ErrTransientIO marks an object store, queue, table or network hiccup.
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrUploadTimeout means the uploaded object never became visible.
	ErrUploadTimeout = errors.New("upload not visible in object store")
	// ErrEnqueueFailed means the job could not be sent to the queue.
	ErrEnqueueFailed = errors.New("enqueue failed")
	// ErrPoisonMessage is an unparseable queue payload; it is deleted, not retried.
	ErrPoisonMessage = errors.New("poison message")
	// ErrInferenceFailure is an engine error; the message is left for redelivery.
	ErrInferenceFailure = errors.New("inference failed")
	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found")
)

// Retryable reports whether err is worth another local attempt.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrBadInput), errors.Is(err, ErrPoisonMessage), errors.Is(err, ErrNotFound):
		return false
	}
	return true
}

// UserMessage is the plain-language chat reply for a failed submission.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrBadInput):
		return "That photo could not be read. Please send it again as a regular photo."
	case errors.Is(err, ErrUploadTimeout), errors.Is(err, ErrEnqueueFailed):
		return "Sorry, we could not queue your photo for processing. Please try again later."
	default:
		return "An error occurred while processing your photo."
	}
}
