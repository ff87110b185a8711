// Package jobutil provides shared helpers for the job lifecycle.
//
// ReportFailure unifies the failure path of the chat front-end, the
// operator CLI and anything else that submits photos on a user's behalf:
// log the failure with correlation ids, then tell the user in plain words.
package jobutil

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-detect/internal/jobs"
)

// TextSender delivers a plain-text chat message.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// ReportFailure logs err with the job and chat ids and sends the user-facing
// message for its error kind. A nil sender only logs. The returned error is
// the delivery error, if any; the original failure is never swallowed by it.
func ReportFailure(ctx context.Context, sender TextSender, chatID, jobID string, err error) error {
	log.Error().
		Err(err).
		Str("jobId", jobID).
		Str("chatId", chatID).
		Msg("Job failed")
	if sender == nil {
		return nil
	}
	if sendErr := sender.SendText(ctx, chatID, jobs.UserMessage(err)); sendErr != nil {
		log.Warn().Err(sendErr).Str("chatId", chatID).Msg("Failed to deliver failure notice")
		return sendErr
	}
	return nil
}
