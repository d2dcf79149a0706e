package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"memguard/internal/coordinator"
	"memguard/internal/logging"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// eventStream forwards coordinator events to websocket clients. Each client
// gets a bounded buffer; events are dropped for clients that fall behind so
// the coordinator is never blocked on a slow reader.
type eventStream struct {
	coord    *coordinator.Coordinator
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

func newEventStream(coord *coordinator.Coordinator) *eventStream {
	return &eventStream{
		coord: coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (e *eventStream) handle(c *gin.Context) {
	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), logging.ComponentHTTP, logging.ActionSubscribe, "Websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	queue := make(chan coordinator.Event, eventBuffer)
	var dropped atomic.Uint64
	unsubscribe := e.coord.Subscribe(func(ev coordinator.Event) {
		select {
		case queue <- ev:
		default:
			dropped.Add(1)
		}
	})
	if !e.add(conn) {
		unsubscribe()
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go e.readLoop(conn, cancel)

	logging.Info(c.Request.Context(), logging.ComponentHTTP, logging.ActionSubscribe, "Event stream opened", map[string]interface{}{
		"remote_addr": conn.RemoteAddr().String(),
	})

	e.writeLoop(ctx, conn, queue)

	unsubscribe()
	cancel()
	e.remove(conn)
	_ = conn.Close()

	logging.Info(c.Request.Context(), logging.ComponentHTTP, logging.ActionSubscribe, "Event stream closed", map[string]interface{}{
		"remote_addr": conn.RemoteAddr().String(),
		"dropped":     dropped.Load(),
	})
}

// readLoop drains client frames so close and pong frames are processed
func (e *eventStream) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (e *eventStream) writeLoop(ctx context.Context, conn *websocket.Conn, queue <-chan coordinator.Event) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (e *eventStream) add(conn *websocket.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.clients[conn] = struct{}{}
	return true
}

func (e *eventStream) remove(conn *websocket.Conn) {
	e.mu.Lock()
	delete(e.clients, conn)
	e.mu.Unlock()
}

// close ends every open stream; the read loops then unwind their handlers
func (e *eventStream) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for conn := range e.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (e *eventStream) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}
