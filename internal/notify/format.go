package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/conveyor/internal/ledger"
	"github.com/zulandar/conveyor/internal/models"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// jobSeverity maps a terminal job status to a severity.
func jobSeverity(j *models.Job) string {
	switch j.Status {
	case ledger.StatusCompleted:
		if j.Partial {
			return "warning"
		}
		return "success"
	case ledger.StatusValidationFailed:
		return "warning"
	case ledger.StatusFailed:
		return "error"
	}
	return "info"
}

func statusVerb(status string) string {
	switch status {
	case ledger.StatusCompleted:
		return "completed"
	case ledger.StatusValidationFailed:
		return "failed validation"
	case ledger.StatusFailed:
		return "failed"
	}
	return strings.ToLower(status)
}

// FormatJob builds the notification for a job that reached a terminal state.
func FormatJob(j *models.Job) Message {
	severity := jobSeverity(j)
	title := fmt.Sprintf("Job %s %s", shortID(j.ID), statusVerb(j.Status))

	var body []string
	if j.InputRef != "" {
		body = append(body, "Input: "+j.InputRef)
	}
	if j.Partial {
		body = append(body, "Some chunks produced incomplete output.")
	}
	if fe := j.Failure(); fe != nil {
		body = append(body, fmt.Sprintf("%s: %s", fe.Kind, fe.Message))
	}

	fields := []Field{
		{Name: "Status", Value: j.Status, Short: true},
		{Name: "Chunks", Value: fmt.Sprintf("%d/%d", j.ChunksDone, j.ChunksTotal), Short: true},
		{Name: "Artifacts", Value: strconv.Itoa(len(j.OutputRefs)), Short: true},
	}
	if j.FixAttempts > 0 {
		fields = append(fields, Field{Name: "Fix attempts", Value: strconv.Itoa(j.FixAttempts), Short: true})
	}

	return Message{
		Text: title,
		Events: []Event{{
			Title:    title,
			Body:     strings.Join(body, "\n"),
			Severity: severity,
			Color:    severityColor(severity),
			Fields:   fields,
		}},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
