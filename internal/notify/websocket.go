package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSSink writes events as JSON text frames. Heartbeats are ping frames.
type WSSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSSink wraps an upgraded connection.
func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

// Send writes one event.
func (s *WSSink) Send(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(e)
}

// Heartbeat sends a ping.
func (s *WSSink) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close sends a normal close frame.
func (s *WSSink) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// ServeWS upgrades the request and streams jobID over it. The stream stops
// when the client closes its side.
func (n *Notifier) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := n.Snapshot(r.Context(), jobID); err != nil {
		writeLookupError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only exists to notice the client going away and to
	// process control frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					n.logger.Warn("websocket read error", "job_id", jobID, "error", err)
				}
				return
			}
		}
	}()

	sink := NewWSSink(conn)
	if err := n.Stream(ctx, jobID, sink); err != nil {
		n.logger.Warn("progress stream ended with error", "job_id", jobID, "error", err)
		sink.close("progress unavailable")
		return
	}
	sink.close("done")
}
