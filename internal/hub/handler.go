package hub

import (
	"context"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/jacobkenney/emberchat/internal/protocol"
)

const (
	// closeJoinRejected is the close status for a rejected join. Clients
	// treat it as terminal and do not reconnect.
	closeJoinRejected = websocket.StatusPolicyViolation

	// joinTimeout is how long a fresh connection has to send its join
	// envelope before it is dropped.
	joinTimeout = 10 * time.Second

	// defaultMaxPayloadBytes caps the size of a single inbound frame.
	// Enforced here, not just in the client's pre-send guard, so a
	// misbehaving client cannot push oversized frames through.
	defaultMaxPayloadBytes = 16 << 20
)

// Handler upgrades HTTP requests to WebSockets and runs each
// connection's read loop against the router.
type Handler struct {
	router     *Router
	conns      *ConnSet
	maxPayload int64
}

// NewHandler creates a WebSocket handler. maxPayload <= 0 uses the
// default ceiling.
func NewHandler(router *Router, conns *ConnSet, maxPayload int64) *Handler {
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadBytes
	}
	return &Handler{router: router, conns: conns, maxPayload: maxPayload}
}

// ServeHTTP accepts the WebSocket, requires a join envelope as the
// first frame, and then dispatches frames until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("hub: accept error: %v", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	ws.SetReadLimit(h.maxPayload)

	c, connCtx := h.conns.Add(ws)
	defer func() {
		h.conns.Remove(c.ID)
		h.router.HandleLeave(c)
	}()

	if !h.handleJoin(r.Context(), c) {
		return
	}

	h.readLoop(r.Context(), connCtx, c)
}

// handleJoin reads the first frame and expects a join envelope. The
// join handshake is the only place a protocol error closes the
// transport; after it, malformed frames are dropped silently.
func (h *Handler) handleJoin(ctx context.Context, c *Conn) bool {
	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	_, data, err := c.ws.Read(joinCtx)
	if err != nil {
		return false
	}

	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypeJoin {
		c.ws.Close(closeJoinRejected, "first frame must be a join envelope")
		return false
	}

	return h.router.HandleJoin(c, env)
}

// readLoop dispatches frames until the socket closes or the connection
// set cancels connCtx. Read errors, including oversized frames failing
// the read limit, end the loop; the deferred leave path handles the
// rest.
func (h *Handler) readLoop(ctx, connCtx context.Context, c *Conn) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		h.router.Dispatch(c, data)
	}
}
