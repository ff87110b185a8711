package jobs

import (
	"fmt"
	"strings"
)

// ClassCount is the number of boxes detected for one class.
type ClassCount struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// CountByClass aggregates labels per class, ordered by first appearance.
func CountByClass(labels []Label) []ClassCount {
	idx := make(map[string]int, len(labels))
	var counts []ClassCount
	for _, l := range labels {
		i, ok := idx[l.Class]
		if !ok {
			i = len(counts)
			idx[l.Class] = i
			counts = append(counts, ClassCount{Class: l.Class})
		}
		counts[i].Count++
	}
	return counts
}

// FormatSummary renders one "<class>:<count>" line per distinct class.
// An empty label list yields an empty string.
func FormatSummary(labels []Label) string {
	counts := CountByClass(labels)
	lines := make([]string, 0, len(counts))
	for _, c := range counts {
		lines = append(lines, fmt.Sprintf("%s:%d", c.Class, c.Count))
	}
	return strings.Join(lines, "\n")
}

// FormatMessage is the chat text sent when a result is ready.
func FormatMessage(r *PredictionResult) string {
	summary := FormatSummary(r.Labels)
	if summary == "" {
		return fmt.Sprintf("Prediction %s finished: no objects detected.", r.JobID)
	}
	return fmt.Sprintf("Prediction %s results:\n%s", r.JobID, summary)
}
