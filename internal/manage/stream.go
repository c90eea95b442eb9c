package manage

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/nishidake/spg/internal/logbuf"
)

const (
	backlogEntries = 100
	writeTimeout   = 5 * time.Second
)

// streamMessage is the envelope for all log stream messages.
type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// handleLogStream upgrades the connection to WebSocket and streams log
// entries. The client picks a minimum level with the min_level query
// parameter; the default is info. A short backlog of recent entries is
// sent before live streaming begins.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // management listener is operator-only
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck // best-effort close

	minLevel := logbuf.ParseLevel(r.URL.Query().Get("min_level"))

	sub := s.logBuffer.Subscribe(minLevel)
	defer s.logBuffer.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read pump exists only to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	// Sent once the subscription is live, so a client that waits for it
	// knows no further entries can be missed.
	hello, _ := json.Marshal(map[string]string{"min_level": minLevel.String()}) //nolint:errcheck // static input
	wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
	err = wsjson.Write(wctx, conn, streamMessage{Type: "hello", Data: hello})
	wcancel()
	if err != nil {
		return
	}

	for _, entry := range s.logBuffer.Recent(backlogEntries, minLevel) {
		if err := writeEntry(ctx, conn, "backlog", entry); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-sub.C:
			if err := writeEntry(ctx, conn, "log", entry); err != nil {
				return
			}
		}
	}
}

func writeEntry(ctx context.Context, conn *websocket.Conn, msgType string, entry logbuf.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, streamMessage{Type: msgType, Data: data})
}

// handleRecentLogs serves the most recent buffered log entries as JSON.
func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	minLevel := logbuf.ParseLevel(r.URL.Query().Get("min_level"))
	entries := s.logBuffer.Recent(backlogEntries, minLevel)
	if entries == nil {
		entries = []logbuf.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:gosec // best-effort response
		"count":   len(entries),
		"entries": entries,
	})
}
