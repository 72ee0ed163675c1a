package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/noderunner/pkg/logs"
	"github.com/gateway-fm/noderunner/pkg/types"
)

// DefaultStreamInterval is how often the block stream polls the log.
const DefaultStreamInterval = 200 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// clientQueueSize bounds the events buffered for one client. A client that
// falls further behind is disconnected.
const clientQueueSize = 256

// client is one connection. Only its write loop writes to conn.
type client struct {
	conn  *websocket.Conn
	queue chan []byte
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, queue: make(chan []byte, clientQueueSize)}
}

// enqueue reports false when the queue is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.queue <- data:
		return true
	default:
		return false
	}
}

// BlockStream pushes every new block message to connected WebSocket clients.
// A newly connected client first receives the blocks logged so far. Writes
// happen on a per-client goroutine, so a slow client never delays the others.
type BlockStream struct {
	observer *logs.Observer
	interval time.Duration
	logger   *slog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// sent is the number of blocks already broadcast.
	sent int

	done     chan struct{}
	stopOnce sync.Once
}

// NewBlockStream creates a stream over observer. A zero interval uses
// DefaultStreamInterval.
func NewBlockStream(observer *logs.Observer, interval time.Duration, logger *slog.Logger) *BlockStream {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &BlockStream{
		observer: observer,
		interval: interval,
		logger:   logger,
		clients:  make(map[*client]bool),
		done:     make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (bs *BlockStream) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			bs.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		c := newClient(conn)

		// Blocks broadcast after registration go to the queue, so the write
		// loop sends the backlog up to backlog and then drains the queue.
		bs.clientsMu.Lock()
		bs.clients[c] = true
		backlog := bs.sent
		total := len(bs.clients)
		bs.clientsMu.Unlock()

		bs.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		go bs.writeLoop(c, backlog)

		defer func() {
			bs.clientsMu.Lock()
			bs.removeLocked(c)
			total := len(bs.clients)
			bs.clientsMu.Unlock()
			conn.Close()

			bs.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					bs.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// writeLoop sends the first backlog blocks to c, then every queued event,
// until the queue is closed or a write fails.
func (bs *BlockStream) writeLoop(c *client, backlog int) {
	if err := bs.replay(c, backlog); err != nil {
		c.conn.Close()
		return
	}
	for data := range c.queue {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Cleaned up by the read loop
			bs.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
			c.conn.Close()
			return
		}
	}
}

// replay sends the first n block events to c. The log only grows, so
// reading it after registration still yields those blocks.
func (bs *BlockStream) replay(c *client, n int) error {
	if n == 0 {
		return nil
	}
	blocks, err := bs.observer.Reader().Blocks()
	if err != nil {
		bs.logger.Debug("Block replay failed", slog.String("error", err.Error()))
		return err
	}
	idleMarker := bs.observer.Reader().Markers().Idle
	for i := 0; i < n && i < len(blocks); i++ {
		data, err := encodeEvent(i, blocks[i], idleMarker)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// removeLocked unregisters c and closes its queue. Callers hold clientsMu.
func (bs *BlockStream) removeLocked(c *client) {
	if bs.clients[c] {
		delete(bs.clients, c)
		close(c.queue)
	}
}

// Start begins the broadcasting goroutine.
func (bs *BlockStream) Start() {
	go bs.broadcastLoop()
}

// Stop stops broadcasting and closes all client connections. It is safe to
// call more than once.
func (bs *BlockStream) Stop() {
	bs.stopOnce.Do(func() {
		close(bs.done)

		bs.clientsMu.Lock()
		for c := range bs.clients {
			bs.removeLocked(c)
			c.conn.Close()
		}
		bs.clientsMu.Unlock()
	})
}

func (bs *BlockStream) broadcastLoop() {
	ticker := time.NewTicker(bs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-bs.done:
			return
		case <-ticker.C:
			bs.poll()
		}
	}
}

// poll broadcasts the blocks appended since the previous poll.
func (bs *BlockStream) poll() {
	snap, changed, err := bs.observer.Poll()
	if err != nil {
		bs.logger.Debug("Block stream poll failed", slog.String("error", err.Error()))
		return
	}
	if !changed {
		return
	}

	idleMarker := bs.observer.Reader().Markers().Idle

	bs.clientsMu.Lock()
	defer bs.clientsMu.Unlock()

	for i := bs.sent; i < len(snap.Blocks); i++ {
		data, err := encodeEvent(i, snap.Blocks[i], idleMarker)
		if err != nil {
			bs.logger.Error("Failed to marshal block event", slog.String("error", err.Error()))
			continue
		}
		for c := range bs.clients {
			if !c.enqueue(data) {
				bs.logger.Debug("Dropping slow WebSocket client", slog.Int("queued", len(c.queue)))
				bs.removeLocked(c)
				c.conn.Close()
			}
		}
	}
	bs.sent = len(snap.Blocks)
}

func encodeEvent(index int, message, idleMarker string) ([]byte, error) {
	return json.Marshal(types.BlockEvent{
		Index:   index,
		Message: message,
		Idle:    idleMarker != "" && strings.Contains(message, idleMarker),
	})
}

// ClientCount returns the number of connected clients.
func (bs *BlockStream) ClientCount() int {
	bs.clientsMu.RLock()
	defer bs.clientsMu.RUnlock()
	return len(bs.clients)
}
