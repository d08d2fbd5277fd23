package deploy

import (
	"fmt"
	"time"

	"deploystack/internal/scheduler"
	"deploystack/pkg/cloudevent"
)

// Event types for deployment lifecycle callbacks
const (
	EventTypeSettled = "deploystack.job.settled"
)

const eventSource = "deploystack/deploy-service"

// EventBuilder builds CloudEvents for build settlements.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{source: eventSource}
}

// BuildSettledEvent creates a settlement event for one build result.
func (b *EventBuilder) BuildSettledEvent(res scheduler.Result) *cloudevent.CloudEvent {
	data := map[string]any{
		"name":       res.Name,
		"status":     string(res.Status),
		"startedAt":  res.StartedAt.Format(time.RFC3339Nano),
		"finishedAt": res.FinishedAt.Format(time.RFC3339Nano),
		"durationMs": res.Duration.Milliseconds(),
	}
	if res.Value != nil {
		data["value"] = res.Value
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}

	eventID := fmt.Sprintf("%s-%d", res.Name, res.FinishedAt.UnixNano())
	return cloudevent.New(EventTypeSettled, b.source, res.Name, eventID, data)
}
