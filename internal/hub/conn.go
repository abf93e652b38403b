package hub

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/jacobkenney/emberchat/internal/metrics"
)

const (
	// defaultSendQueueSize is the number of frames that can be queued
	// per connection before sends to it start dropping.
	defaultSendQueueSize = 32

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// maxConsecutiveDrops is how many frames in a row a connection may
	// drop before it is disconnected as a slow consumer. Dropping
	// instead of blocking keeps one backpressured socket from stalling
	// delivery to everyone else.
	maxConsecutiveDrops = 64
)

// Conn is one live transport with its outbound queue.
type Conn struct {
	ID string

	ws   *websocket.Conn
	send chan []byte

	consecutiveDrops atomic.Int32
	totalDrops       atomic.Int64
	connectedAt      time.Time
}

// ConnInfo is point-in-time metadata about a connection, surfaced by the
// stats endpoint.
type ConnInfo struct {
	ID          string
	ConnectedAt time.Time
	Drops       int64
}

// ConnSet tracks all open connections and owns their write pumps.
type ConnSet struct {
	mu      sync.Mutex
	conns   map[string]*connEntry
	closed  bool
	queue   int
	metrics *metrics.Metrics
}

type connEntry struct {
	conn   *Conn
	cancel context.CancelFunc
}

// NewConnSet creates a connection set. queueSize <= 0 uses the default.
func NewConnSet(queueSize int, m *metrics.Metrics) *ConnSet {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &ConnSet{
		conns:   make(map[string]*connEntry),
		queue:   queueSize,
		metrics: m,
	}
}

// Add registers a freshly accepted WebSocket, assigns it an opaque
// connection id, and starts its write pump. The returned context is
// cancelled when the connection is removed or the set shuts down.
func (cs *ConnSet) Add(ws *websocket.Conn) (*Conn, context.Context) {
	c := &Conn{
		ID:          uuid.NewString(),
		ws:          ws,
		connectedAt: time.Now(),
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return c, ctx
	}
	c.send = make(chan []byte, cs.queue)
	ctx, cancel := context.WithCancel(context.Background())
	cs.conns[c.ID] = &connEntry{conn: c, cancel: cancel}
	cs.mu.Unlock()

	cs.metrics.ConnOpened()
	go cs.writePump(ctx, c)
	return c, ctx
}

// Remove stops the connection's write pump and forgets it. Idempotent.
func (cs *ConnSet) Remove(id string) {
	cs.mu.Lock()
	entry, ok := cs.conns[id]
	if ok {
		delete(cs.conns, id)
	}
	cs.mu.Unlock()

	if ok {
		entry.cancel()
		close(entry.conn.send)
		cs.metrics.ConnClosed()
	}
}

// Send queues a frame for the connection. A full queue drops the frame;
// a connection that keeps dropping is closed entirely rather than left
// to wedge the dispatcher. The queue send is non-blocking and happens
// under the set lock: Remove only closes the channel after deleting the
// entry under the same lock, so a sender that found the entry cannot
// hit a closed channel.
func (cs *ConnSet) Send(id string, data []byte) bool {
	cs.mu.Lock()
	entry, ok := cs.conns[id]
	if !ok {
		cs.mu.Unlock()
		return false
	}

	c := entry.conn
	queued := false
	select {
	case c.send <- data:
		c.consecutiveDrops.Store(0)
		queued = true
	default:
		c.totalDrops.Add(1)
		c.consecutiveDrops.Add(1)
	}
	disconnect := !queued && c.consecutiveDrops.Load() >= maxConsecutiveDrops
	cs.mu.Unlock()

	if queued {
		return true
	}
	cs.metrics.SendDropped()
	if disconnect {
		log.Printf("hub: disconnecting slow consumer %s", c.ID)
		cs.metrics.SlowConsumerDisconnect()
		cs.Remove(c.ID)
		c.ws.Close(websocket.StatusPolicyViolation, "send queue overflow")
	}
	return false
}

// Count returns the number of open connections.
func (cs *ConnSet) Count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.conns)
}

// Info returns metadata for all open connections.
func (cs *ConnSet) Info() []ConnInfo {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	infos := make([]ConnInfo, 0, len(cs.conns))
	for _, entry := range cs.conns {
		infos = append(infos, ConnInfo{
			ID:          entry.conn.ID,
			ConnectedAt: entry.conn.connectedAt,
			Drops:       entry.conn.totalDrops.Load(),
		})
	}
	return infos
}

// Shutdown closes every connection with a going-away status and rejects
// subsequent Adds.
func (cs *ConnSet) Shutdown() {
	cs.mu.Lock()
	cs.closed = true
	entries := make([]*connEntry, 0, len(cs.conns))
	for _, entry := range cs.conns {
		entries = append(entries, entry)
	}
	cs.conns = make(map[string]*connEntry)
	cs.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		close(entry.conn.send)
		entry.conn.ws.Close(websocket.StatusGoingAway, "server shutting down")
		cs.metrics.ConnClosed()
	}
}

// writePump drains the connection's send channel, writing each frame to
// the socket. It exits when ctx is cancelled or the channel closes.
func (cs *ConnSet) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Printf("hub: write to %s failed: %v", c.ID, err)
				return
			}
		}
	}
}
