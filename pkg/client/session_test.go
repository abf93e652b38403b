package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/jacobkenney/emberchat/internal/protocol"
)

// fakeTransport is a channel-driven Transport. Tests feed inbound
// frames through in, inject close errors through errs, and observe
// outbound frames on writes.
type fakeTransport struct {
	in     chan []byte
	errs   chan error
	writes chan []byte

	mu         sync.Mutex
	closed     bool
	closeCode  websocket.StatusCode
	writesFail bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		errs:   make(chan error, 1),
		writes: make(chan []byte, 16),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case err := <-f.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	fail := f.writesFail
	f.mu.Unlock()
	if fail {
		return errors.New("write refused")
	}
	select {
	case f.writes <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) setWritesFail(fail bool) {
	f.mu.Lock()
	f.writesFail = fail
	f.mu.Unlock()
}

// Close records the code and surfaces it to the pending Read, the way
// a real peer echoes the closing handshake.
func (f *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.closeCode = code
	select {
	case f.errs <- websocket.CloseError{Code: code, Reason: reason}:
	default:
	}
	return nil
}

// drop simulates the peer or network ending the connection.
func (f *fakeTransport) drop(code websocket.StatusCode, reason string) {
	f.errs <- websocket.CloseError{Code: code, Reason: reason}
}

func (f *fakeTransport) deliver(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.in <- data
}

// expectWrite returns the next outbound envelope of the given type,
// failing on anything else.
func (f *fakeTransport) expectWrite(t *testing.T, typ protocol.Type) *protocol.Envelope {
	t.Helper()
	select {
	case data := <-f.writes:
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode outbound frame: %v", err)
		}
		if env.Type != typ {
			t.Fatalf("outbound type = %q; want %q", env.Type, typ)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound %q", typ)
		return nil
	}
}

// fakeDialer hands out a fresh fakeTransport per dial. With block set,
// every dial after the first waits on it.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	block      chan struct{}
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	n := len(d.transports)
	block := d.block
	d.mu.Unlock()

	if block != nil && n > 0 {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ft := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, ft)
	d.mu.Unlock()
	return ft, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// transport waits for dial i to complete and returns its transport.
func (d *fakeDialer) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.transports) > i {
			ft := d.transports[i]
			d.mu.Unlock()
			return ft
		}
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("dial %d never happened", i)
	return nil
}

func waitCond(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for " + msg)
}

type sessionEvents struct {
	mu       sync.Mutex
	rosters  [][]string
	arrived  []Record
	updated  []string
	patches  []Patch
	rejected []string
}

func (e *sessionEvents) handlers() Handlers {
	return Handlers{
		PresenceChanged: func(roster []string) {
			e.mu.Lock()
			e.rosters = append(e.rosters, roster)
			e.mu.Unlock()
		},
		MessageArrived: func(rec Record) {
			e.mu.Lock()
			e.arrived = append(e.arrived, rec)
			e.mu.Unlock()
		},
		MessageUpdated: func(id string, patch Patch) {
			e.mu.Lock()
			e.updated = append(e.updated, id)
			e.patches = append(e.patches, patch)
			e.mu.Unlock()
		},
		JoinRejected: func(reason string) {
			e.mu.Lock()
			e.rejected = append(e.rejected, reason)
			e.mu.Unlock()
		},
	}
}

func (e *sessionEvents) rejections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.rejected...)
}

func (e *sessionEvents) lastRoster() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rosters) == 0 {
		return nil
	}
	return e.rosters[len(e.rosters)-1]
}

func (e *sessionEvents) updates() ([]string, []Patch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.updated...), append([]Patch(nil), e.patches...)
}

// newTestSession returns a session with aggressive timers wired to a
// fake dialer. It does not connect.
func newTestSession(t *testing.T, nickname string) (*Session, *fakeDialer, *sessionEvents) {
	t.Helper()
	d := &fakeDialer{}
	ev := &sessionEvents{}
	s, err := New(Options{
		URL:              "ws://fake/ws",
		Nickname:         nickname,
		ReconnectDelay:   20 * time.Millisecond,
		LivenessInterval: 250 * time.Millisecond,
		SweepInterval:    time.Hour,
		ReadDebounce:     5 * time.Millisecond,
		Dialer:           d.dial,
		Handlers:         ev.handlers(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, d, ev
}

// join runs the handshake on the i-th transport: consume the join
// frame, answer with a roster, and wait for StateJoined.
func join(t *testing.T, s *Session, d *fakeDialer, i int, roster ...string) *fakeTransport {
	t.Helper()
	ft := d.transport(t, i)
	env := ft.expectWrite(t, protocol.TypeJoin)
	if env.Nickname == "" {
		t.Fatal("join frame missing nickname")
	}
	ft.deliver(t, &protocol.Envelope{Type: protocol.TypeUserList, Users: roster, DeleteTime: 7})
	waitCond(t, "joined", func() bool { return s.State() == StateJoined })
	return ft
}

func TestJoinHandshake(t *testing.T) {
	s, d, ev := newTestSession(t, "alice")

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := d.transport(t, 0)
	env := ft.expectWrite(t, protocol.TypeJoin)
	if env.Nickname != "alice" {
		t.Errorf("join nickname = %q; want alice", env.Nickname)
	}
	if got := s.State(); got != StateAwaitingJoinAck {
		t.Errorf("state after join sent = %v; want awaiting_join_ack", got)
	}

	// The first roster is the acceptance signal and carries the
	// room's current expiry policy.
	ft.deliver(t, &protocol.Envelope{Type: protocol.TypeUserList, Users: []string{"alice"}, DeleteTime: 7})
	waitCond(t, "joined", func() bool { return s.State() == StateJoined })

	waitCond(t, "roster", func() bool { return len(ev.lastRoster()) == 1 })
	if got := ev.lastRoster(); got[0] != "alice" {
		t.Errorf("roster = %v; want [alice]", got)
	}
	waitCond(t, "ttl", func() bool { return s.Store().TTL() == 7 })
}

func TestJoinRejectedIsTerminal(t *testing.T) {
	s, d, ev := newTestSession(t, "alice")

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := d.transport(t, 0)
	ft.expectWrite(t, protocol.TypeJoin)

	ft.deliver(t, &protocol.Envelope{Type: protocol.TypeJoinRejected, Reason: "duplicate nickname"})

	waitCond(t, "rejection surfaced", func() bool { return len(ev.rejections()) > 0 })
	if got := ev.rejections()[0]; got != "duplicate nickname" {
		t.Errorf("rejection reason = %q; want duplicate nickname", got)
	}
	waitCond(t, "idle", func() bool { return s.State() == StateIdle })

	// No automatic retry with the same name, ever.
	time.Sleep(100 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dials = %d; want 1 after rejection", d.count())
	}
	if got := ev.rejections(); len(got) != 1 {
		t.Errorf("rejection surfaced %d times; want once", len(got))
	}
}

func TestAbnormalCloseReconnectsOnce(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	join(t, s, d, 0, "alice")

	d.transport(t, 0).drop(websocket.StatusInternalError, "server restart")
	waitCond(t, "reconnect dial", func() bool { return d.count() == 2 })

	// The replacement connection runs the full handshake again.
	join(t, s, d, 1, "alice")

	time.Sleep(100 * time.Millisecond)
	if d.count() != 2 {
		t.Errorf("dials = %d; want exactly 2", d.count())
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	join(t, s, d, 0, "alice")

	d.transport(t, 0).drop(websocket.StatusNormalClosure, "")
	waitCond(t, "idle", func() bool { return s.State() == StateIdle })

	time.Sleep(100 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dials = %d; want 1 after normal closure", d.count())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	join(t, s, d, 0, "alice")

	d.transport(t, 0).drop(websocket.StatusInternalError, "")
	waitCond(t, "reconnecting", func() bool { return s.State() == StateReconnecting })

	s.Disconnect()
	waitCond(t, "idle", func() bool { return s.State() == StateIdle })

	time.Sleep(100 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dials = %d; want 1 after disconnect", d.count())
	}
}

func TestReconnectSingleFlight(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	d.block = make(chan struct{})

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	join(t, s, d, 0, "alice")

	// Drop the connection; the reconnect attempt parks inside the
	// dialer while liveness ticks keep firing.
	d.transport(t, 0).drop(websocket.StatusInternalError, "")
	time.Sleep(600 * time.Millisecond)
	close(d.block)

	join(t, s, d, 1, "alice")
	time.Sleep(100 * time.Millisecond)
	if d.count() != 2 {
		t.Errorf("dials = %d; want 2 despite overlapping triggers", d.count())
	}
}

func TestRejoinUsesCurrentNickname(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := join(t, s, d, 0, "alice")

	ft.deliver(t, &protocol.Envelope{Type: protocol.TypeNicknameChanged, OldNickname: "alice", NewNickname: "al"})
	waitCond(t, "rename applied", func() bool { return s.Nickname() == "al" })

	ft.drop(websocket.StatusInternalError, "")
	ft2 := d.transport(t, 1)
	env := ft2.expectWrite(t, protocol.TypeJoin)
	if env.Nickname != "al" {
		t.Errorf("rejoin nickname = %q; want the renamed al", env.Nickname)
	}
}

func TestSendReconcilesProvisionalRecord(t *testing.T) {
	s, d, ev := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := join(t, s, d, 0, "alice")

	if err := s.Send(SendOptions{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := ft.expectWrite(t, protocol.TypeMessage)
	if out.Text != "hi" || out.MessageID != "" {
		t.Errorf("outbound message = %+v; want text only, no id", out)
	}

	// A provisional record is on the timeline immediately.
	recs := s.Store().Records()
	if len(recs) != 1 || !recs[0].Pending {
		t.Fatalf("timeline = %+v; want one pending record", recs)
	}
	provisionalID := recs[0].ID

	// The authoritative echo replaces it in place.
	ft.deliver(t, &protocol.Envelope{
		Type:      protocol.TypeMessage,
		MessageID: "srv-1",
		Nickname:  "alice",
		Text:      "hi",
		Timestamp: time.Now().UnixMilli(),
	})
	waitCond(t, "reconcile", func() bool {
		_, ok := s.Store().Get("srv-1")
		return ok
	})

	if _, ok := s.Store().Get(provisionalID); ok {
		t.Error("provisional record still on the timeline")
	}
	ids, patches := ev.updates()
	if len(ids) != 1 || ids[0] != provisionalID {
		t.Fatalf("updates = %v; want [%s]", ids, provisionalID)
	}
	if patches[0].Replacement == nil || patches[0].Replacement.ID != "srv-1" {
		t.Errorf("patch = %+v; want replacement srv-1", patches[0])
	}
	if s.Store().Len() != 1 {
		t.Errorf("timeline length = %d; want 1, no duplicate", s.Store().Len())
	}
}

func TestFailedSendDropsProvisionalRecord(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := join(t, s, d, 0, "alice")

	ft.setWritesFail(true)
	if err := s.Send(SendOptions{Text: "lost"}); err == nil {
		t.Fatal("Send succeeded despite write failure")
	}
	if s.Store().Len() != 0 {
		t.Fatalf("timeline length = %d; failed send left a provisional record", s.Store().Len())
	}

	// The next successful send reconciles against its own provisional
	// record, not the failed one's.
	ft.setWritesFail(false)
	if err := s.Send(SendOptions{Text: "delivered"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ft.expectWrite(t, protocol.TypeMessage)

	ft.deliver(t, &protocol.Envelope{
		Type:      protocol.TypeMessage,
		MessageID: "srv-2",
		Nickname:  "alice",
		Text:      "delivered",
		Timestamp: time.Now().UnixMilli(),
	})
	waitCond(t, "reconcile", func() bool {
		_, ok := s.Store().Get("srv-2")
		return ok
	})

	recs := s.Store().Records()
	if len(recs) != 1 || recs[0].Text != "delivered" || recs[0].Pending {
		t.Errorf("timeline = %+v; want only the delivered record, settled", recs)
	}
}

func TestIncomingMessageEmitsReadReceipt(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := join(t, s, d, 0, "alice", "bob")

	ft.deliver(t, &protocol.Envelope{
		Type:      protocol.TypeMessage,
		MessageID: "m7",
		Nickname:  "bob",
		Text:      "hello",
		Timestamp: time.Now().UnixMilli(),
	})

	env := ft.expectWrite(t, protocol.TypeRead)
	if env.MessageID != "m7" {
		t.Errorf("read receipt for %q; want m7", env.MessageID)
	}
}

func TestSendGates(t *testing.T) {
	s, _, _ := newTestSession(t, "alice")

	if err := s.Send(SendOptions{Text: "hi"}); err != ErrNotJoined {
		t.Errorf("Send before connect = %v; want ErrNotJoined", err)
	}
	if err := s.React("m1", "🔥"); err != ErrNotJoined {
		t.Errorf("React before connect = %v; want ErrNotJoined", err)
	}
}

func TestSendRejectsEmptyAndOversized(t *testing.T) {
	d := &fakeDialer{}
	s, err := New(Options{
		URL:             "ws://fake/ws",
		Nickname:        "alice",
		MaxPayloadBytes: 256,
		SweepInterval:   time.Hour,
		Dialer:          d.dial,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	join(t, s, d, 0, "alice")

	if err := s.Send(SendOptions{}); err != ErrEmptyMessage {
		t.Errorf("empty send = %v; want ErrEmptyMessage", err)
	}
	big := make([]byte, 512)
	for i := range big {
		big[i] = 'a'
	}
	if err := s.Send(SendOptions{Text: string(big)}); err != ErrPayloadTooLarge {
		t.Errorf("oversized send = %v; want ErrPayloadTooLarge", err)
	}
	if s.Store().Len() != 0 {
		t.Errorf("rejected sends left %d records on the timeline", s.Store().Len())
	}
}

func TestWhisperEnvelope(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := join(t, s, d, 0, "alice", "bob")

	if err := s.Send(SendOptions{Text: "psst", Target: "Bob"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env := ft.expectWrite(t, protocol.TypeWhisper)
	if env.TargetNickname != "Bob" || env.Text != "psst" {
		t.Errorf("whisper = %+v", env)
	}
}

func TestReplyTargetClearedAfterSend(t *testing.T) {
	s, d, _ := newTestSession(t, "alice")
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft := join(t, s, d, 0, "alice")

	s.SetReplyTarget("m3")
	if err := s.Send(SendOptions{Text: "re"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if env := ft.expectWrite(t, protocol.TypeMessage); env.ReplyTo != "m3" {
		t.Errorf("reply_to = %q; want m3", env.ReplyTo)
	}

	if err := s.Send(SendOptions{Text: "again"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if env := ft.expectWrite(t, protocol.TypeMessage); env.ReplyTo != "" {
		t.Errorf("reply_to = %q; want cleared after one send", env.ReplyTo)
	}
}
