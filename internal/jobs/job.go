// Package jobs defines the records that travel through the detection
// pipeline: the Job a producer enqueues, the PredictionResult a worker
// persists, and the error kinds every hop reports.
package jobs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Job is one accepted photo awaiting detection. It is immutable once enqueued.
type Job struct {
	ID         string    `json:"job_id"`
	ChatID     string    `json:"chat_id"`
	ImageRef   string    `json:"image_ref"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate checks that all fields a worker needs are present.
func (j *Job) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: missing job_id", ErrPoisonMessage)
	case j.ChatID == "":
		return fmt.Errorf("%w: missing chat_id", ErrPoisonMessage)
	case j.ImageRef == "":
		return fmt.Errorf("%w: missing image_ref", ErrPoisonMessage)
	}
	return nil
}

// Encode serializes the job as a queue message body.
func (j *Job) Encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return string(b), nil
}

// ParseJob decodes a queue message body. Any decode or validation failure
// wraps ErrPoisonMessage so callers can drop the message instead of retrying.
func ParseJob(body string) (*Job, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty body", ErrPoisonMessage)
	}
	var j Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return &j, nil
}

// ImageKey resolves ImageRef to an object-store key.
func (j *Job) ImageKey() (string, error) {
	return RefKey(j.ImageRef)
}

// RefKey resolves an object reference to a key. ref may be a bare key, an
// s3://bucket/key URI, or an https URL in virtual-hosted or path style.
func RefKey(ref string) (string, error) {
	if !strings.Contains(ref, "://") {
		return strings.TrimPrefix(ref, "/"), nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: image_ref %q: %v", ErrPoisonMessage, ref, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "s3":
	case "http", "https":
		// Path-style URLs put the bucket in the first path segment.
		if strings.HasPrefix(u.Host, "s3.") || strings.HasPrefix(u.Host, "s3-") {
			if i := strings.Index(key, "/"); i >= 0 {
				key = key[i+1:]
			}
		}
	default:
		return "", fmt.Errorf("%w: unsupported image_ref scheme %q", ErrPoisonMessage, u.Scheme)
	}
	if key == "" {
		return "", fmt.Errorf("%w: image_ref %q has no key", ErrPoisonMessage, ref)
	}
	return key, nil
}
