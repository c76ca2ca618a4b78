package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventStreamPollInterval = 500 * time.Millisecond

type streamEnvelope struct {
	Events     []streamEvent `json:"events"`
	NextCursor string        `json:"nextCursor"`
}

type streamEvent struct {
	EventID   string `json:"eventId"`
	DocID     string `json:"docId"`
	Origin    string `json:"origin"`
	Timestamp string `json:"timestamp"`
}

// handleEventStream upgrades the request to a websocket and pushes batches
// of store events for the relay as they appear. The stream starts after
// the client's cursor (query parameter "cursor", empty for "now") and runs
// until the client disconnects. Events are polled off the bounded feed
// rather than fanned out per connection, so a slow consumer can fall
// behind but never blocks writers.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, relayID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	cursor := r.URL.Query().Get("cursor")
	if cursor == "" {
		cursor = s.store.LatestEventCursor()
	}

	ctx := r.Context()
	ticker := time.NewTicker(eventStreamPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
		events, next := s.store.EventsSince(cursor, s.cfg.EventFeedLimit)
		if len(events) == 0 {
			continue
		}
		cursor = next
		batch := streamEnvelope{Events: make([]streamEvent, 0, len(events)), NextCursor: next}
		for _, ev := range events {
			if !strings.HasPrefix(ev.DocID, relayID+"-") {
				continue
			}
			batch.Events = append(batch.Events, streamEvent{
				EventID:   ev.EventID,
				DocID:     ev.DocID,
				Origin:    ev.Origin,
				Timestamp: ev.Timestamp,
			})
		}
		if len(batch.Events) == 0 {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := wsjson.Write(writeCtx, conn, batch)
		cancel()
		if err != nil {
			return
		}
	}
}
