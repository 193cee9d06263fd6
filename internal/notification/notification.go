// Package notification defines the event contract handed to the external
// notification subsystem when a run finishes, together with the default
// emitter that records events in the process log. Delivery (webhooks,
// mail) lives outside this core; emitters only consume the contract.
package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/heijmerikx/stashd-sub001/internal/db"
	"github.com/heijmerikx/stashd-sub001/internal/repositories"
)

const (
	EventSuccess = "success"
	EventFailure = "failure"
)

// DestinationResult is one destination's slice of a finished run.
type DestinationResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	FileSize *int64 `json:"fileSize,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Event is the consolidated per-run notification payload. Field names are
// part of the external contract and stay camelCase.
type Event struct {
	Event           string              `json:"event"`
	JobName         string              `json:"jobName"`
	JobType         string              `json:"jobType"`
	FileSize        *int64              `json:"fileSize,omitempty"`
	FilePath        string              `json:"filePath,omitempty"`
	Error           string              `json:"error,omitempty"`
	DurationSeconds float64             `json:"durationSeconds"`
	Destinations    []DestinationResult `json:"destinations"`
}

// Emitter receives exactly one event per finished run.
type Emitter interface {
	EmitRunFinished(ctx context.Context, event *Event, prefs []repositories.NotificationPref) error
}

// MatchChannels filters the job's notification preferences down to the
// channels subscribed to this event's outcome.
func MatchChannels(event *Event, prefs []repositories.NotificationPref) []db.NotificationChannel {
	var out []db.NotificationChannel
	for _, pref := range prefs {
		if !pref.Channel.Enabled {
			continue
		}
		if event.Event == EventSuccess && !pref.OnSuccess {
			continue
		}
		if event.Event == EventFailure && !pref.OnFailure {
			continue
		}
		out = append(out, pref.Channel)
	}
	return out
}

// LogEmitter writes events to the process log. It is the default emitter
// when no external subsystem is attached.
type LogEmitter struct {
	logger *zap.Logger
}

func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.Named("notification")}
}

func (e *LogEmitter) EmitRunFinished(_ context.Context, event *Event, prefs []repositories.NotificationPref) error {
	channels := MatchChannels(event, prefs)
	if len(channels) == 0 {
		e.logger.Debug("run finished, no channels subscribed",
			zap.String("job", event.JobName),
			zap.String("event", event.Event))
		return nil
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notification: marshal event: %w", err)
	}
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, ch.Name)
	}

	e.logger.Info("notification emitted",
		zap.String("event", event.Event),
		zap.String("job", event.JobName),
		zap.Strings("channels", names),
		zap.ByteString("payload", raw))
	return nil
}
