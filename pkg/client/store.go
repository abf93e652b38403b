package client

import (
	"sync"
	"time"

	"github.com/jacobkenney/emberchat/internal/protocol"
)

// RecordType classifies a stored message record.
type RecordType string

const (
	RecordBroadcast RecordType = "broadcast"
	RecordWhisper   RecordType = "whisper"
	RecordSystem    RecordType = "system"
)

// Record is the client-held projection of one message. System records
// (join/leave/rename/TTL notices) are exempt from TTL expiry.
type Record struct {
	ID              string
	Type            RecordType
	Sender          string
	Target          string
	Text            string
	Image           string
	Emoji           string
	File            *protocol.FileAttachment
	ReplyTo         string
	Reactions       map[string][]string
	ReadCount       int
	TotalRecipients int
	CreatedAt       time.Time

	// Pending marks a locally originated record awaiting the server's
	// authoritative copy. Its ID is client-generated and provisional.
	Pending bool
}

// Patch describes a point update to an existing record.
type Patch struct {
	ReadCount       *int
	TotalRecipients *int
	Reactions       map[string][]string

	// Replacement is set when a provisional record was replaced by the
	// authoritative server copy. The patched id no longer exists.
	Replacement *Record
}

// Store holds the insertion-ordered message timeline, applies point
// updates by id, purges aged-out records, and owns the client half of
// the read-receipt protocol: debounced emission while visible, bulk
// emission on regaining visibility, deduplicated per message.
type Store struct {
	mu         sync.Mutex
	order      []string
	records    map[string]*Record
	pending    []string            // provisional ids, oldest first
	candidates map[string]struct{} // ids eligible for a read receipt
	reported   map[string]struct{} // ids whose read receipt was sent
	timers     map[string]*time.Timer
	ttlMinutes int
	visible    bool

	sendRead func(messageID string)
	debounce time.Duration
	now      func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a store. sendRead is invoked, off the caller's
// goroutine, whenever a read receipt should go on the wire. sweepEvery
// and debounce fall back to 10s and 500ms.
func NewStore(ttlMinutes int, sweepEvery, debounce time.Duration, sendRead func(string)) *Store {
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Second
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	s := &Store{
		records:    make(map[string]*Record),
		candidates: make(map[string]struct{}),
		reported:   make(map[string]struct{}),
		timers:     make(map[string]*time.Timer),
		ttlMinutes: ttlMinutes,
		visible:    true,
		sendRead:   sendRead,
		debounce:   debounce,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go s.sweepLoop(sweepEvery)
	return s
}

// Close stops the sweep loop and cancels pending debounce timers.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Add appends a record to the timeline.
func (s *Store) Add(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(rec)
}

func (s *Store) addLocked(rec Record) {
	if _, exists := s.records[rec.ID]; exists {
		return
	}
	r := rec
	s.records[rec.ID] = &r
	s.order = append(s.order, rec.ID)
}

// AddProvisional appends a locally originated record awaiting its
// authoritative copy.
func (s *Store) AddProvisional(rec Record) {
	rec.Pending = true
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(rec)
	s.pending = append(s.pending, rec.ID)
}

// Reconcile replaces the oldest provisional record of the same type
// with the authoritative server copy, keeping its position in the
// timeline. The two ids are never assumed to coincide, and pending
// entries of a different type are left in place for their own echo.
// Returns the replaced provisional id, or ok=false if nothing matched,
// in which case the caller should Add the record instead.
func (s *Store) Reconcile(auth Record) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.pending); {
		provisionalID := s.pending[i]
		rec, ok := s.records[provisionalID]
		if !ok {
			// Swept while pending.
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			continue
		}
		if rec.Type != auth.Type {
			i++
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		delete(s.records, provisionalID)
		r := auth
		r.Pending = false
		s.records[auth.ID] = &r
		for j, id := range s.order {
			if id == provisionalID {
				s.order[j] = auth.ID
				break
			}
		}
		return provisionalID, true
	}
	return "", false
}

// DropProvisional removes a provisional record whose write never made
// it onto the wire, so no later echo can reconcile against it. Records
// that are not pending are left alone.
func (s *Store) DropProvisional(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || !rec.Pending {
		return
	}
	delete(s.records, id)
	for i, pid := range s.pending {
		if pid == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ApplyReadUpdate applies a read_update delta. Unknown ids are dropped.
func (s *Store) ApplyReadUpdate(id string, readCount, totalUsers int) (Patch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Patch{}, false
	}
	rec.ReadCount = readCount
	rec.TotalRecipients = totalUsers
	count, total := readCount, totalUsers
	return Patch{ReadCount: &count, TotalRecipients: &total}, true
}

// ApplyReactionUpdate replaces a record's reaction map. Unknown ids are
// dropped.
func (s *Store) ApplyReactionUpdate(id string, reactions map[string][]string) (Patch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Patch{}, false
	}
	rec.Reactions = reactions
	return Patch{Reactions: reactions}, true
}

// SetTTL updates the expiry policy. Not retroactive: already-purged
// records stay gone, and the next sweep applies the new horizon.
func (s *Store) SetTTL(minutes int) {
	if minutes <= 0 {
		return
	}
	s.mu.Lock()
	s.ttlMinutes = minutes
	s.mu.Unlock()
}

// TTL returns the current expiry policy in minutes.
func (s *Store) TTL() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttlMinutes
}

// MarkEligible registers a message for read-receipt emission. While
// visible the receipt goes out after a short debounce; while hidden it
// waits for visibility. Each message is reported at most once.
func (s *Store) MarkEligible(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, sent := s.reported[id]; sent {
		return
	}
	s.candidates[id] = struct{}{}
	if s.visible {
		s.scheduleReadLocked(id)
	}
}

func (s *Store) scheduleReadLocked(id string) {
	if _, exists := s.timers[id]; exists {
		return
	}
	s.timers[id] = time.AfterFunc(s.debounce, func() {
		s.ReportRead(id)
	})
}

// ReportRead emits the read receipt for id now, if it has not already
// been sent. Also the path for an explicit markRead intent.
func (s *Store) ReportRead(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if _, sent := s.reported[id]; sent {
		s.mu.Unlock()
		return
	}
	s.reported[id] = struct{}{}
	delete(s.candidates, id)
	send := s.sendRead
	s.mu.Unlock()

	if send != nil {
		send(id)
	}
}

// SetVisible tracks whether the view is visible to the user. Regaining
// visibility sweeps every held, not-yet-reported candidate and emits a
// read receipt for each.
func (s *Store) SetVisible(visible bool) {
	s.mu.Lock()
	wasVisible := s.visible
	s.visible = visible
	var flush []string
	if visible && !wasVisible {
		for id := range s.candidates {
			flush = append(flush, id)
		}
	}
	s.mu.Unlock()

	for _, id := range flush {
		s.ReportRead(id)
	}
}

// Visible reports the current visibility flag.
func (s *Store) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of all records in insertion order.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.records[id])
	}
	return out
}

// Len returns the number of held records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep purges broadcast and whisper records whose age has reached the
// TTL policy. System records are exempt. Large payload fields are
// cleared before removal so memory is bounded even if the record is
// still referenced elsewhere. Returns the purged ids.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxAge := time.Duration(s.ttlMinutes) * time.Minute
	now := s.now()

	var removed []string
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Type == RecordSystem || now.Sub(rec.CreatedAt) < maxAge {
			kept = append(kept, id)
			continue
		}
		rec.Image = ""
		rec.File = nil
		delete(s.records, id)
		delete(s.candidates, id)
		delete(s.reported, id)
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		removed = append(removed, id)
	}
	s.order = kept
	return removed
}
