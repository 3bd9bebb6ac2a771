package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// clientQueue is how many frames a client may fall behind before it is
	// dropped.
	clientQueue = 64

	writeTimeout = 5 * time.Second
)

type client struct {
	conn  *websocket.Conn
	queue chan []byte
	gone  chan struct{}
}

// hub tracks connected clients. Each client drains its own queue, so one
// slow reader never delays the others.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *log.Logger
}

func newHub(logger *log.Logger) *hub {
	return &hub{clients: make(map[*client]struct{}), logger: logger}
}

func (h *hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, queue: make(chan []byte, clientQueue), gone: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// remove closes c once. It reports whether c was still registered.
func (h *hub) remove(c *client, code websocket.StatusCode, reason string) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return false
	}
	close(c.gone)
	_ = c.conn.Close(code, reason)
	return true
}

func (h *hub) publish(frame []byte) {
	var slow []*client
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.queue <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		if h.remove(c, websocket.StatusPolicyViolation, "too slow") {
			h.logger.Printf("Dropped a client that fell %d frames behind", clientQueue)
		}
	}
}

func (h *hub) closeAll(code websocket.StatusCode, reason string) {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.remove(c, code, reason)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// writeLoop sends queued frames until the client goes away.
func (c *client) writeLoop(ctx context.Context, h *hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			return
		case frame := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if h.remove(c, websocket.StatusInternalError, "write failed") {
					h.logger.Printf("Dropped a client after a failed write: %v", err)
				}
				return
			}
		}
	}
}
