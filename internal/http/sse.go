package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/davidbz/relayd/internal/domain"
)

// SSE event names.
const (
	eventStart = "start"
	eventChunk = "chunk"
	eventDone  = "done"
)

type startEvent struct {
	HandleID string `json:"handle_id"`
	Provider string `json:"provider"`
	Lane     string `json:"lane,omitempty"`
}

type chunkEvent struct {
	Text string `json:"text"`
	Lane string `json:"lane,omitempty"`
}

type doneEvent struct {
	State string `json:"state"`
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
	Lane  string `json:"lane,omitempty"`
}

func newDoneEvent(final domain.FinalState, lane string) doneEvent {
	ev := doneEvent{
		State: final.State.String(),
		Text:  final.Text,
		Lane:  lane,
	}
	if final.Err != nil {
		ev.Error = final.Err.Error()
	}
	return ev
}

// eventWriter writes server-sent events. It is only used from the request
// goroutine.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &eventWriter{w: w, flusher: flusher}, true
}

func (e *eventWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}

	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
