package jobs

import "time"

// Label is one detected object. Geometry is normalized to the image size.
type Label struct {
	Class  string `json:"class" dynamodbav:"class"`
	CX     Coord  `json:"cx" dynamodbav:"cx"`
	CY     Coord  `json:"cy" dynamodbav:"cy"`
	Width  Coord  `json:"width" dynamodbav:"width"`
	Height Coord  `json:"height" dynamodbav:"height"`
}

// PredictionResult is the authoritative output of a completed Job. At most
// one exists per job id and it is never mutated after creation.
type PredictionResult struct {
	JobID        string    `json:"prediction_id" dynamodbav:"prediction_id"`
	ChatID       string    `json:"chat_id" dynamodbav:"chat_id"`
	Labels       []Label   `json:"labels" dynamodbav:"labels"`
	OriginalRef  string    `json:"original_ref" dynamodbav:"original_ref"`
	AnnotatedRef string    `json:"annotated_ref" dynamodbav:"annotated_ref"`
	CompletedAt  time.Time `json:"completed_at" dynamodbav:"completed_at"`
	CompletedTS  int64     `json:"time" dynamodbav:"time"`
}

// NewResult stamps a result for job with the given completion time.
func NewResult(job *Job, labels []Label, originalRef, annotatedRef string, completedAt time.Time) *PredictionResult {
	if labels == nil {
		labels = []Label{}
	}
	return &PredictionResult{
		JobID:        job.ID,
		ChatID:       job.ChatID,
		Labels:       labels,
		OriginalRef:  originalRef,
		AnnotatedRef: annotatedRef,
		CompletedAt:  completedAt.UTC(),
		CompletedTS:  completedAt.Unix(),
	}
}
