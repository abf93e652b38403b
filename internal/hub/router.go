// Package hub is the server core: it owns the live connections and fans
// out presence, content, and aggregation traffic between them. The
// router itself is a dispatcher over the registry; the only state it
// keeps is per-message read/reaction aggregation and the last accepted
// TTL policy value, which late joiners are told at join time.
//
// Delivery is best effort: unresolvable whisper targets, malformed
// frames, and deltas for already-swept messages are dropped silently.
package hub

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/jacobkenney/emberchat/internal/metrics"
	"github.com/jacobkenney/emberchat/internal/protocol"
	"github.com/jacobkenney/emberchat/internal/registry"
)

const (
	// stateSweepInterval is how often per-message aggregation state is
	// swept. Entries live for the TTL horizon plus one interval of
	// slack so clients finish their own purge first.
	stateSweepInterval = time.Minute
)

// messageState is the router-side aggregation record for one content
// message. Readers are deduplicated by connection id so a rename does
// not let a participant count twice; reactor sets hold display names
// because that is what goes back on the wire.
type messageState struct {
	senderConn string
	senderName string
	readers    map[string]struct{}
	reactions  map[string]map[string]struct{}
	createdAt  time.Time
}

// Router validates and fans out envelopes using the registry for
// presence and whisper targeting.
type Router struct {
	reg     *registry.Registry
	conns   *ConnSet
	metrics *metrics.Metrics

	mu       sync.Mutex
	messages map[string]*messageState

	deleteMinutes atomic.Int64

	stopJanitor context.CancelFunc
	now         func() time.Time
}

// NewRouter creates a router over the given registry and connection set.
// defaultDeleteMinutes seeds the TTL policy reported to the first joiner.
func NewRouter(reg *registry.Registry, conns *ConnSet, defaultDeleteMinutes int, m *metrics.Metrics) *Router {
	r := &Router{
		reg:      reg,
		conns:    conns,
		metrics:  m,
		messages: make(map[string]*messageState),
		now:      time.Now,
	}
	r.deleteMinutes.Store(int64(defaultDeleteMinutes))

	ctx, cancel := context.WithCancel(context.Background())
	r.stopJanitor = cancel
	go r.janitor(ctx)
	return r
}

// Close stops the state janitor.
func (r *Router) Close() {
	r.stopJanitor()
}

// DeleteMinutes returns the last accepted TTL policy value.
func (r *Router) DeleteMinutes() int {
	return int(r.deleteMinutes.Load())
}

func (r *Router) timestamp() int64 {
	return r.now().UnixMilli()
}

// HandleJoin runs the join half of the handshake for a connection whose
// first frame was a join envelope. On rejection it sends join_rejected
// and closes the transport with a policy-violation status; no broadcast
// happens. On success everyone else gets a join envelope and everyone,
// joiner included, gets a fresh roster.
func (r *Router) HandleJoin(c *Conn, env *protocol.Envelope) bool {
	name, err := r.reg.Register(c.ID, env.Nickname)
	if err != nil {
		r.metrics.JoinRejected()
		// Written synchronously, bypassing the send queue, so the
		// rejection is on the wire before the close frame.
		rejection := &protocol.Envelope{
			Type:      protocol.TypeJoinRejected,
			Reason:    err.Error(),
			Timestamp: r.timestamp(),
		}
		if data, encErr := rejection.Encode(); encErr == nil {
			writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
		}
		c.ws.Close(closeJoinRejected, err.Error())
		return false
	}

	r.broadcastExcept(c.ID, &protocol.Envelope{
		Type:      protocol.TypeJoin,
		Nickname:  name,
		Timestamp: r.timestamp(),
	})
	r.broadcastUserList()
	log.Printf("hub: %s joined (%d online)", name, r.reg.Len())
	return true
}

// HandleLeave unregisters the connection. If a name was removed the
// remaining participants get a leave envelope and a refreshed roster; a
// second call for the same connection does nothing.
func (r *Router) HandleLeave(c *Conn) {
	name, ok := r.reg.Unregister(c.ID)
	if !ok {
		return
	}

	// Departed participants no longer count as readers; leaving them in
	// would let read_count climb past the roster size.
	r.mu.Lock()
	for _, st := range r.messages {
		delete(st.readers, c.ID)
	}
	r.mu.Unlock()

	r.broadcast(&protocol.Envelope{
		Type:      protocol.TypeLeave,
		Nickname:  name,
		Timestamp: r.timestamp(),
	})
	r.broadcastUserList()
	log.Printf("hub: %s left (%d online)", name, r.reg.Len())
}

// Dispatch routes one inbound frame from a joined connection. Frames
// that fail to parse, carry an unknown type, or arrive from a
// connection that never joined are dropped without closing anything.
func (r *Router) Dispatch(c *Conn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		return
	}

	sender, ok := r.reg.Name(c.ID)
	if !ok {
		return
	}

	r.metrics.EnvelopeRouted(string(env.Type))

	switch env.Type {
	case protocol.TypeMessage, protocol.TypeAIMessage:
		r.handleContent(c, sender, env)
	case protocol.TypeWhisper:
		r.handleWhisper(c, sender, env)
	case protocol.TypeRead:
		r.handleRead(c, env)
	case protocol.TypeReaction:
		r.handleReaction(c, sender, env)
	case protocol.TypeDeleteTimeUpdate:
		r.handleDeleteTime(sender, env)
	case protocol.TypeNicknameChange:
		r.handleRename(c, env)
	default:
		// Everything else is server-originated; a client sending it is
		// ignored.
	}
}

// handleContent stamps and fans out a broadcast message to everyone,
// sender included, so the sender renders from the authoritative copy.
func (r *Router) handleContent(c *Conn, sender string, env *protocol.Envelope) {
	if !env.HasContent() {
		return
	}
	out := r.stamp(c, sender, env)
	r.broadcast(out)
}

// handleWhisper delivers a private message to the sender and the
// resolved target only. An unresolvable target drops the whisper.
func (r *Router) handleWhisper(c *Conn, sender string, env *protocol.Envelope) {
	if !env.HasContent() {
		return
	}
	targetConn, ok := r.reg.Resolve(env.TargetNickname)
	if !ok {
		return
	}
	targetName, _ := r.reg.Name(targetConn)

	out := r.stamp(c, sender, env)
	out.TargetNickname = targetName
	data, err := out.Encode()
	if err != nil {
		return
	}
	r.conns.Send(c.ID, data)
	if targetConn != c.ID {
		r.conns.Send(targetConn, data)
	}
}

// stamp assigns the message id, server timestamp, and registry-derived
// sender, records aggregation state, and returns the outbound envelope.
func (r *Router) stamp(c *Conn, sender string, env *protocol.Envelope) *protocol.Envelope {
	id := protocol.NewMessageID()

	r.mu.Lock()
	r.messages[id] = &messageState{
		senderConn: c.ID,
		senderName: sender,
		readers:    make(map[string]struct{}),
		reactions:  make(map[string]map[string]struct{}),
		createdAt:  r.now(),
	}
	r.mu.Unlock()

	return &protocol.Envelope{
		Type:      env.Type,
		Nickname:  sender,
		Timestamp: r.timestamp(),
		MessageID: id,
		Text:      env.Text,
		Image:     env.Image,
		File:      env.File,
		Emoji:     env.Emoji,
		ReplyTo:   env.ReplyTo,
	}
}

// handleRead counts the reporting participant as a reader of the
// message, once, and never if they sent it. A change is broadcast to
// everyone with the roster size at the time of the update.
func (r *Router) handleRead(c *Conn, env *protocol.Envelope) {
	if env.MessageID == "" {
		return
	}

	r.mu.Lock()
	st, ok := r.messages[env.MessageID]
	if !ok || st.senderConn == c.ID {
		r.mu.Unlock()
		return
	}
	if _, seen := st.readers[c.ID]; seen {
		r.mu.Unlock()
		return
	}
	st.readers[c.ID] = struct{}{}
	count := len(st.readers)
	r.mu.Unlock()

	r.broadcast(&protocol.Envelope{
		Type:       protocol.TypeReadUpdate,
		MessageID:  env.MessageID,
		ReadCount:  count,
		TotalUsers: r.reg.Len(),
		Timestamp:  r.timestamp(),
	})
}

// handleReaction toggles the participant's membership in the emoji's
// reactor set and broadcasts the full post-mutation reaction map.
func (r *Router) handleReaction(c *Conn, sender string, env *protocol.Envelope) {
	if env.MessageID == "" || env.Reaction == "" {
		return
	}

	r.mu.Lock()
	st, ok := r.messages[env.MessageID]
	if !ok {
		r.mu.Unlock()
		return
	}
	set := st.reactions[env.Reaction]
	if set == nil {
		set = make(map[string]struct{})
		st.reactions[env.Reaction] = set
	}
	if _, has := set[sender]; has {
		delete(set, sender)
		if len(set) == 0 {
			delete(st.reactions, env.Reaction)
		}
	} else {
		set[sender] = struct{}{}
	}
	wire := reactionsToWire(st.reactions)
	r.mu.Unlock()

	r.broadcast(&protocol.Envelope{
		Type:      protocol.TypeReactionUpdate,
		MessageID: env.MessageID,
		Reactions: wire,
		Timestamp: r.timestamp(),
	})
}

// reactionsToWire flattens reactor sets into the wire shape. Names are
// sorted so repeated updates serialize identically.
func reactionsToWire(reactions map[string]map[string]struct{}) map[string][]string {
	wire := make(map[string][]string, len(reactions))
	for emoji, set := range reactions {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		wire[emoji] = names
	}
	return wire
}

// handleDeleteTime accepts a new TTL policy from any participant and
// rebroadcasts it to all, setter included. The router remembers only
// the latest value, for stamping the roster sent to late joiners.
func (r *Router) handleDeleteTime(sender string, env *protocol.Envelope) {
	if env.DeleteTime <= 0 {
		return
	}
	r.deleteMinutes.Store(int64(env.DeleteTime))
	r.broadcast(&protocol.Envelope{
		Type:       protocol.TypeDeleteTimeUpdate,
		Nickname:   sender,
		DeleteTime: env.DeleteTime,
		Timestamp:  r.timestamp(),
	})
}

// handleRename renames the connection in the registry. Success is
// broadcast to everyone, renamer included, followed by a fresh roster;
// failure goes back to the requester alone and closes nothing.
func (r *Router) handleRename(c *Conn, env *protocol.Envelope) {
	oldName, newName, err := r.reg.Rename(c.ID, env.NewNickname)
	if err != nil {
		r.sendTo(c.ID, &protocol.Envelope{
			Type:      protocol.TypeNicknameChange,
			Reason:    err.Error(),
			Timestamp: r.timestamp(),
		})
		return
	}
	r.broadcast(&protocol.Envelope{
		Type:        protocol.TypeNicknameChanged,
		OldNickname: oldName,
		NewNickname: newName,
		Timestamp:   r.timestamp(),
	})
	r.broadcastUserList()
}

// broadcastUserList pushes the full roster, with the current TTL
// policy, to every joined participant.
func (r *Router) broadcastUserList() {
	r.broadcast(&protocol.Envelope{
		Type:       protocol.TypeUserList,
		Users:      r.reg.Snapshot(),
		DeleteTime: r.DeleteMinutes(),
		Timestamp:  r.timestamp(),
	})
}

// broadcast fans a frame out to every joined participant.
func (r *Router) broadcast(env *protocol.Envelope) {
	r.broadcastExcept("", env)
}

// broadcastExcept fans a frame out to every joined participant other
// than exceptID. The frame is encoded once; per-recipient delivery goes
// through each connection's bounded queue and never blocks here.
func (r *Router) broadcastExcept(exceptID string, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Printf("hub: encode %s envelope: %v", env.Type, err)
		return
	}
	for _, connID := range r.reg.Conns() {
		if connID == exceptID {
			continue
		}
		r.conns.Send(connID, data)
	}
}

// sendTo delivers a frame to a single connection, joined or not.
func (r *Router) sendTo(connID string, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Printf("hub: encode %s envelope: %v", env.Type, err)
		return
	}
	r.conns.Send(connID, data)
}

// janitor sweeps aggregation state for messages past the TTL horizon.
func (r *Router) janitor(ctx context.Context) {
	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepState()
		}
	}
}

// sweepState drops per-message state older than the TTL policy plus one
// sweep interval. Read or reaction deltas that arrive for a swept id
// are dropped, matching best-effort delivery.
func (r *Router) sweepState() int {
	horizon := time.Duration(r.DeleteMinutes())*time.Minute + stateSweepInterval
	cutoff := r.now().Add(-horizon)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, st := range r.messages {
		if st.createdAt.Before(cutoff) {
			delete(r.messages, id)
			removed++
		}
	}
	return removed
}
