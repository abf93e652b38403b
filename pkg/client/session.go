// Package client is the client half of the chat protocol: a session
// state machine that owns one transport, runs the join handshake,
// classifies close codes, and drives reconnection, plus the ephemeral
// message store that holds the rendered timeline.
//
// The session is cooperative from the application's perspective: frame
// handling, reconnection scheduling, and sweeps interleave under one
// lock, so no two handlers for the same connection run concurrently.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/jacobkenney/emberchat/internal/protocol"
)

// State is the session connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingJoinAck
	StateJoined
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingJoinAck:
		return "awaiting_join_ack"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	ErrNotJoined        = errors.New("client: not joined")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrEmptyMessage     = errors.New("client: message has no content")
	ErrPayloadTooLarge  = errors.New("client: payload exceeds size ceiling")
)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultLivenessInterval = 10 * time.Second
	defaultSweepInterval    = 10 * time.Second
	defaultReadDebounce     = 500 * time.Millisecond
	defaultMaxPayloadBytes  = 16 << 20
	defaultTTLMinutes       = 10
	dialTimeout             = 10 * time.Second
	writeTimeout            = 5 * time.Second
)

// Handlers are the events the session emits for rendering. All are
// optional and are invoked without the session lock held.
type Handlers struct {
	PresenceChanged func(roster []string)
	MessageArrived  func(rec Record)
	MessageUpdated  func(id string, patch Patch)
	JoinRejected    func(reason string)
	StateChanged    func(state State)
}

// Options configures a Session.
type Options struct {
	URL      string
	Nickname string

	ReconnectDelay   time.Duration // default 5s
	LivenessInterval time.Duration // default 10s
	SweepInterval    time.Duration // default 10s
	ReadDebounce     time.Duration // default 500ms
	MaxPayloadBytes  int64         // default 16 MiB, pre-send guard
	TTLMinutes       int           // default 10, until the server says otherwise

	Dialer   Dialer // default: real WebSocket dial
	Handlers Handlers
}

// Session owns one transport and the message store behind it.
type Session struct {
	opts     Options
	dial     Dialer
	handlers Handlers
	store    *Store

	mu             sync.Mutex
	state          State
	nickname       string
	tr             Transport
	stopped        bool // no reconnection: disconnect, rejection, or normal close
	reconnecting   bool // a connect attempt is in flight
	reconnectTimer *time.Timer
	rejected       bool // join_rejected already surfaced this attempt
	replyTo        string

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a session. It does not connect; call Connect.
func New(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.Nickname == "" {
		return nil, errors.New("client: nickname is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = defaultLivenessInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.ReadDebounce <= 0 {
		opts.ReadDebounce = defaultReadDebounce
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if opts.TTLMinutes <= 0 {
		opts.TTLMinutes = defaultTTLMinutes
	}
	if opts.Dialer == nil {
		opts.Dialer = defaultDialer(opts.MaxPayloadBytes)
	}

	s := &Session{
		opts:     opts,
		dial:     opts.Dialer,
		handlers: opts.Handlers,
		nickname: opts.Nickname,
		state:    StateIdle,
		done:     make(chan struct{}),
	}
	s.store = NewStore(opts.TTLMinutes, opts.SweepInterval, opts.ReadDebounce, s.sendRead)
	go s.livenessLoop()
	return s, nil
}

// Store exposes the session's message store.
func (s *Session) Store() *Store {
	return s.store
}

// Nickname returns the current display name, which tracks renames.
func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the transport and starts the join handshake. The join
// is accepted when the first roster arrives; a dial failure schedules
// one reconnection attempt and is also returned to the caller.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.stopped = false
	s.rejected = false
	s.reconnecting = true
	s.state = StateConnecting
	nick := s.nickname
	s.mu.Unlock()
	s.emitState(StateConnecting)

	err := s.dialAndJoin(nick)

	s.mu.Lock()
	s.reconnecting = false
	if err != nil && !s.stopped {
		s.state = StateReconnecting
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.emitState(StateReconnecting)
		return err
	}
	s.mu.Unlock()
	return err
}

// Disconnect tears the connection down with a normal closure so the
// server never sees it as abnormal. Any pending reconnection timer is
// cancelled synchronously. The session can Connect again afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.stopped = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	tr := s.tr
	if tr != nil {
		s.state = StateClosing
	} else {
		s.state = StateIdle
	}
	st := s.state
	s.mu.Unlock()
	s.emitState(st)

	if tr != nil {
		tr.Close(websocket.StatusNormalClosure, "")
	}
}

// Close disconnects and releases the session's timers and sweeps.
func (s *Session) Close() {
	s.Disconnect()
	s.stopOnce.Do(func() { close(s.done) })
	s.store.Close()
}

// SendOptions is one outbound message. A non-empty Target makes it a
// whisper; at least one of Text, Image, Emoji, File is required.
type SendOptions struct {
	Text   string
	Target string
	Image  string
	Emoji  string
	File   *protocol.FileAttachment
}

// Send transmits a message and records an optimistic provisional copy,
// replaced when the server's authoritative envelope arrives.
func (s *Session) Send(opts SendOptions) error {
	s.mu.Lock()
	if s.state != StateJoined || s.tr == nil {
		s.mu.Unlock()
		return ErrNotJoined
	}
	tr := s.tr
	nick := s.nickname
	replyTo := s.replyTo
	s.replyTo = ""
	s.mu.Unlock()

	env := &protocol.Envelope{
		Type:    protocol.TypeMessage,
		Text:    opts.Text,
		Image:   opts.Image,
		Emoji:   opts.Emoji,
		File:    opts.File,
		ReplyTo: replyTo,
	}
	if opts.Target != "" {
		env.Type = protocol.TypeWhisper
		env.TargetNickname = opts.Target
	}
	if !env.HasContent() {
		return ErrEmptyMessage
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("client: send failed: %w", err)
	}
	if int64(len(data)) > s.opts.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	rec := Record{
		ID:        "local-" + uuid.NewString(),
		Type:      RecordBroadcast,
		Sender:    nick,
		Target:    opts.Target,
		Text:      opts.Text,
		Image:     opts.Image,
		Emoji:     opts.Emoji,
		File:      opts.File,
		ReplyTo:   replyTo,
		CreatedAt: time.Now(),
	}
	if opts.Target != "" {
		rec.Type = RecordWhisper
	}
	s.store.AddProvisional(rec)
	rec.Pending = true
	s.emitArrived(rec)

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := tr.Write(writeCtx, data); err != nil {
		// The message never reached the wire; retract the provisional
		// record so the next echo cannot reconcile against it.
		s.store.DropProvisional(rec.ID)
		return fmt.Errorf("client: send failed: %w", err)
	}
	return nil
}

// React toggles this participant's reaction on a message.
func (s *Session) React(messageID, emoji string) error {
	return s.writeEnvelope(&protocol.Envelope{
		Type:      protocol.TypeReaction,
		MessageID: messageID,
		Reaction:  emoji,
	})
}

// MarkRead reports a message as read immediately, bypassing the
// debounce. Deduplicated with the automatic path.
func (s *Session) MarkRead(messageID string) {
	s.store.ReportRead(messageID)
}

// SetReplyTarget stamps the next Send with reply_to. An empty id clears
// the target.
func (s *Session) SetReplyTarget(messageID string) {
	s.mu.Lock()
	s.replyTo = messageID
	s.mu.Unlock()
}

// RenameSelf asks the server for a new display name. The outcome comes
// back as either a nickname_changed broadcast or a requester-only
// failure notice.
func (s *Session) RenameSelf(newName string) error {
	return s.writeEnvelope(&protocol.Envelope{
		Type:        protocol.TypeNicknameChange,
		NewNickname: newName,
	})
}

// SetTTLPolicy proposes a new shared expiry policy, in minutes.
func (s *Session) SetTTLPolicy(minutes int) error {
	if minutes <= 0 {
		return errors.New("client: delete time must be positive")
	}
	return s.writeEnvelope(&protocol.Envelope{
		Type:       protocol.TypeDeleteTimeUpdate,
		DeleteTime: minutes,
	})
}

// SetVisible tells the session whether the view is visible to the
// user; it gates read-receipt emission.
func (s *Session) SetVisible(visible bool) {
	s.store.SetVisible(visible)
}

func (s *Session) writeEnvelope(env *protocol.Envelope) error {
	s.mu.Lock()
	tr := s.tr
	joined := s.state == StateJoined
	s.mu.Unlock()
	if !joined || tr == nil {
		return ErrNotJoined
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("client: send failed: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return tr.Write(writeCtx, data)
}

// sendRead is the store's read-receipt callback.
func (s *Session) sendRead(messageID string) {
	s.writeEnvelope(&protocol.Envelope{
		Type:      protocol.TypeRead,
		MessageID: messageID,
	})
}

// dialAndJoin performs one connection attempt: dial, send the join
// envelope with the current display name, and start the read loop.
func (s *Session) dialAndJoin(nickname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	tr, err := s.dial(ctx, s.opts.URL)
	if err != nil {
		return err
	}

	join := &protocol.Envelope{Type: protocol.TypeJoin, Nickname: nickname}
	data, err := join.Encode()
	if err != nil {
		tr.Close(websocket.StatusNormalClosure, "")
		return err
	}
	if err := tr.Write(ctx, data); err != nil {
		tr.Close(websocket.StatusNormalClosure, "")
		return err
	}

	s.mu.Lock()
	s.tr = tr
	s.state = StateAwaitingJoinAck
	s.mu.Unlock()
	s.emitState(StateAwaitingJoinAck)

	go s.readLoop(tr)
	return nil
}

// scheduleReconnectLocked arms the single reconnection timer. Callers
// hold s.mu. Overlapping triggers cannot stack: an armed timer or an
// in-flight attempt suppresses scheduling.
func (s *Session) scheduleReconnectLocked() {
	if s.stopped || s.reconnecting || s.reconnectTimer != nil {
		return
	}
	s.reconnectTimer = time.AfterFunc(s.opts.ReconnectDelay, s.tryReconnect)
}

// tryReconnect runs one reconnection attempt. Exactly one may be in
// flight at a time; a failed attempt waits for the liveness check
// rather than rescheduling itself.
func (s *Session) tryReconnect() {
	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.stopped || s.reconnecting || s.tr != nil {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.state = StateConnecting
	nick := s.nickname
	s.mu.Unlock()
	s.emitState(StateConnecting)

	err := s.dialAndJoin(nick)

	s.mu.Lock()
	s.reconnecting = false
	if err != nil && !s.stopped {
		s.state = StateReconnecting
		s.mu.Unlock()
		s.emitState(StateReconnecting)
		return
	}
	s.mu.Unlock()
}

// livenessLoop is the backstop for missed close events: if the
// transport is down and no reconnection is pending, start one.
func (s *Session) livenessLoop() {
	ticker := time.NewTicker(s.opts.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			needed := !s.stopped && s.tr == nil && !s.reconnecting &&
				s.reconnectTimer == nil && s.state != StateIdle
			s.mu.Unlock()
			if needed {
				s.tryReconnect()
			}
		}
	}
}

func (s *Session) readLoop(tr Transport) {
	for {
		data, err := tr.Read(context.Background())
		if err != nil {
			s.onTransportClosed(tr, err)
			return
		}
		s.handleFrame(data)
	}
}

// onTransportClosed classifies the close. Normal closure (1000) and
// policy violation (1008, join rejection) are terminal; anything else
// schedules one reconnection attempt.
func (s *Session) onTransportClosed(tr Transport, err error) {
	code := websocket.CloseStatus(err)
	var reason string
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}

	s.mu.Lock()
	if s.tr != tr {
		s.mu.Unlock()
		return // a newer transport superseded this one
	}
	s.tr = nil

	switch {
	case s.stopped || code == websocket.StatusNormalClosure:
		s.stopped = true
		s.state = StateIdle
		s.mu.Unlock()
		s.emitState(StateIdle)
	case code == websocket.StatusPolicyViolation:
		s.stopped = true
		s.state = StateIdle
		alreadySurfaced := s.rejected
		s.rejected = true
		s.mu.Unlock()
		if !alreadySurfaced {
			s.emitJoinRejected(reason)
		}
		s.emitState(StateIdle)
	default:
		s.state = StateReconnecting
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.emitState(StateReconnecting)
	}
}

func (s *Session) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		return
	}

	switch env.Type {
	case protocol.TypeUserList:
		s.handleUserList(env)
	case protocol.TypeJoinRejected:
		s.handleJoinRejected(env)
	case protocol.TypeJoin:
		s.addSystemRecord(env, env.Nickname+" joined")
	case protocol.TypeLeave:
		s.addSystemRecord(env, env.Nickname+" left")
	case protocol.TypeMessage, protocol.TypeAIMessage, protocol.TypeWhisper:
		s.handleContent(env)
	case protocol.TypeReadUpdate:
		if patch, ok := s.store.ApplyReadUpdate(env.MessageID, env.ReadCount, env.TotalUsers); ok {
			s.emitUpdated(env.MessageID, patch)
		}
	case protocol.TypeReactionUpdate:
		if patch, ok := s.store.ApplyReactionUpdate(env.MessageID, env.Reactions); ok {
			s.emitUpdated(env.MessageID, patch)
		}
	case protocol.TypeDeleteTimeUpdate:
		s.store.SetTTL(env.DeleteTime)
		s.addSystemRecord(env, fmt.Sprintf("%s set messages to expire after %d minutes", env.Nickname, env.DeleteTime))
	case protocol.TypeNicknameChanged:
		s.handleRenamed(env)
	case protocol.TypeNicknameChange:
		// Requester-only failure notice.
		s.addSystemRecord(env, "nickname change failed: "+env.Reason)
	}
}

// handleUserList treats the first roster after a join envelope as the
// authoritative acceptance signal, because the server does not echo
// join back to the joiner.
func (s *Session) handleUserList(env *protocol.Envelope) {
	s.mu.Lock()
	accepted := s.state == StateAwaitingJoinAck
	if accepted {
		s.state = StateJoined
	}
	s.mu.Unlock()
	if accepted {
		s.emitState(StateJoined)
	}

	if env.DeleteTime > 0 {
		s.store.SetTTL(env.DeleteTime)
	}
	if h := s.handlers.PresenceChanged; h != nil {
		h(append([]string(nil), env.Users...))
	}
}

// handleJoinRejected is terminal and user-actionable: surface the
// reason, close locally, and never retry with the same name.
func (s *Session) handleJoinRejected(env *protocol.Envelope) {
	s.mu.Lock()
	s.stopped = true
	s.rejected = true
	s.state = StateClosing
	tr := s.tr
	s.mu.Unlock()

	s.emitJoinRejected(env.Reason)
	s.emitState(StateClosing)
	if tr != nil {
		tr.Close(websocket.StatusNormalClosure, "join rejected")
	}
}

func (s *Session) handleContent(env *protocol.Envelope) {
	rec := Record{
		ID:        env.MessageID,
		Type:      RecordBroadcast,
		Sender:    env.Nickname,
		Target:    env.TargetNickname,
		Text:      env.Text,
		Image:     env.Image,
		Emoji:     env.Emoji,
		File:      env.File,
		ReplyTo:   env.ReplyTo,
		CreatedAt: time.UnixMilli(env.Timestamp),
	}
	if env.Type == protocol.TypeWhisper {
		rec.Type = RecordWhisper
	}

	self := s.Nickname() == env.Nickname
	if self {
		// Authoritative copy of an optimistic local send: replace the
		// provisional record rather than appending a duplicate.
		if provisionalID, ok := s.store.Reconcile(rec); ok {
			s.emitUpdated(provisionalID, Patch{Replacement: &rec})
			return
		}
		s.store.Add(rec)
		s.emitArrived(rec)
		return
	}

	s.store.Add(rec)
	s.emitArrived(rec)
	s.store.MarkEligible(rec.ID)
}

func (s *Session) handleRenamed(env *protocol.Envelope) {
	s.mu.Lock()
	if s.nickname == env.OldNickname {
		s.nickname = env.NewNickname
	}
	s.mu.Unlock()
	s.addSystemRecord(env, fmt.Sprintf("%s is now known as %s", env.OldNickname, env.NewNickname))
}

// addSystemRecord appends a TTL-exempt system record to the timeline.
func (s *Session) addSystemRecord(env *protocol.Envelope, text string) {
	rec := Record{
		ID:        "system-" + uuid.NewString(),
		Type:      RecordSystem,
		Text:      text,
		CreatedAt: time.UnixMilli(env.Timestamp),
	}
	if env.Timestamp == 0 {
		rec.CreatedAt = time.Now()
	}
	s.store.Add(rec)
	s.emitArrived(rec)
}

func (s *Session) emitState(state State) {
	if h := s.handlers.StateChanged; h != nil {
		h(state)
	}
}

func (s *Session) emitArrived(rec Record) {
	if h := s.handlers.MessageArrived; h != nil {
		h(rec)
	}
}

func (s *Session) emitUpdated(id string, patch Patch) {
	if h := s.handlers.MessageUpdated; h != nil {
		h(id, patch)
	}
}

func (s *Session) emitJoinRejected(reason string) {
	if h := s.handlers.JoinRejected; h != nil {
		h(reason)
	}
}
