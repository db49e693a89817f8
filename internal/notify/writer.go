// Package notify provides cross-process ingestion event notification using
// filesystem events. Importers write an event file when new content lands;
// the serving process watches the directory and schedules an embedding run.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EventContentAdded signals that new threads, messages, or memory cards
// were written and are waiting for embeddings.
const EventContentAdded = "content_added"

// Event is the payload written to an event file.
type Event struct {
	Type     string `json:"type"`
	Kind     string `json:"kind,omitempty"`
	TargetID string `json:"target_id,omitempty"`
	Time     int64  `json:"time"`
}

// EventWriter writes notification event files to a shared directory.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events")}
}

// Notify writes an event file. Safe to call concurrently; errors are
// returned but never fatal to the writer's process.
func (w *EventWriter) Notify(eventType, kind, targetID string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt := Event{
		Type:     eventType,
		Kind:     kind,
		TargetID: targetID,
		Time:     time.Now().UnixNano(),
	}
	data, _ := json.Marshal(evt)
	filename := fmt.Sprintf("%d-%s.event", evt.Time, sanitizeID(targetID))
	return os.WriteFile(filepath.Join(w.dir, filename), data, 0o600)
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	if id == "" {
		return "event"
	}
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == '/' || id[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = id[i]
		}
	}
	return string(out)
}
