package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"peerprep/internal/logging"
	"peerprep/internal/metrics"
)

// BeatResult classifies an incoming heartbeat
type BeatResult int

const (
	// BeatFresh is the first beat of a new connection or the first after the grace window lapsed
	BeatFresh BeatResult = iota
	// BeatAccepted refreshes an alive user
	BeatAccepted
	// BeatCoalesced arrived less than one interval after the last accepted beat
	BeatCoalesced
)

func (r BeatResult) String() string {
	switch r {
	case BeatFresh:
		return "fresh"
	case BeatAccepted:
		return "accepted"
	default:
		return "coalesced"
	}
}

// Listener receives disconnect notifications
type Listener interface {
	OnDisconnected(userID string)
}

// Tracker tracks liveness of each connected user via heartbeats
// ARCHITECTURAL DISCOVERY: A user is alive exactly while it has an entry in peers;
// a lapse deletes the entry so the next beat is reported as fresh
type Tracker struct {
	clock    clock.WithTickerAndDelayedExecution
	interval time.Duration
	grace    time.Duration
	metrics  *metrics.Metrics
	log      logr.Logger

	mu       sync.Mutex
	peers    map[string]*peer
	seq      uint64
	listener Listener
}

// peer is the liveness state of one user. seq identifies the deadline timer
// currently armed for it so a superseded timer cannot disconnect a newer beat.
type peer struct {
	last     time.Time
	seq      uint64
	deadline clock.Timer
}

// NewTracker creates a tracker that disconnects users silent for longer than grace
func NewTracker(clk clock.WithTickerAndDelayedExecution, interval, grace time.Duration, m *metrics.Metrics, log logr.Logger) *Tracker {
	return &Tracker{
		clock:    clk,
		interval: interval,
		grace:    grace,
		metrics:  m,
		log:      log.WithName("presence"),
		peers:    make(map[string]*peer),
	}
}

// SetListener registers the receiver of disconnect notifications
func (t *Tracker) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// Beat records a heartbeat from userID. A beat arriving after the grace window
// first disconnects the stale entry and is then reported as fresh.
func (t *Tracker) Beat(userID string) BeatResult {
	now := t.clock.Now()

	t.mu.Lock()
	p, alive := t.peers[userID]
	if alive && now.Sub(p.last) > t.grace {
		t.dropLocked(userID, p)
		listener := t.listener
		t.peers[userID] = t.armLocked(userID, now)
		t.mu.Unlock()

		t.emit(listener, userID, p.last)
		t.log.V(logging.VERBOSE).Info("User reconnected after lapse", "user_id", userID)
		return BeatFresh
	}
	defer t.mu.Unlock()

	switch {
	case !alive:
		t.peers[userID] = t.armLocked(userID, now)
		t.log.V(logging.VERBOSE).Info("User connected", "user_id", userID)
		return BeatFresh
	case now.Sub(p.last) < t.interval:
		t.log.V(logging.TRACE).Info("Heartbeat coalesced", "user_id", userID)
		return BeatCoalesced
	default:
		p.deadline.Stop()
		t.peers[userID] = t.armLocked(userID, now)
		return BeatAccepted
	}
}

// armLocked starts the deadline for a beat at now. A user stays alive through
// last+grace inclusive, so the timer fires on the first instant past it.
func (t *Tracker) armLocked(userID string, now time.Time) *peer {
	t.seq++
	seq := t.seq
	// fake clocks run AfterFunc callbacks under their own lock, so expire runs on its own goroutine
	timer := t.clock.AfterFunc(t.grace+time.Nanosecond, func() { go t.expire(userID, seq) })
	return &peer{last: now, seq: seq, deadline: timer}
}

func (t *Tracker) dropLocked(userID string, p *peer) {
	p.deadline.Stop()
	delete(t.peers, userID)
}

// expire disconnects userID if the deadline identified by seq is still current
func (t *Tracker) expire(userID string, seq uint64) {
	t.mu.Lock()
	p, ok := t.peers[userID]
	if !ok || p.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.peers, userID)
	listener := t.listener
	t.mu.Unlock()

	t.emit(listener, userID, p.last)
}

func (t *Tracker) emit(listener Listener, userID string, last time.Time) {
	t.log.Info("Heartbeat lapsed, user disconnected", "user_id", userID, "grace", t.grace, "last_beat", last)
	t.metrics.RecordDisconnect()
	if listener != nil {
		listener.OnDisconnected(userID)
	}
}

// IsAlive reports whether userID has beaten within the grace window
func (t *Tracker) IsAlive(userID string) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[userID]
	return ok && now.Sub(p.last) <= t.grace
}

// LastBeat returns the time of the last accepted heartbeat
func (t *Tracker) LastBeat(userID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[userID]
	if !ok {
		return time.Time{}, false
	}
	return p.last, true
}

// Sweep disconnects every user whose last beat is older than the grace window
// and returns them in user id order. Deadline timers normally get there first;
// Sweep catches anything they missed.
func (t *Tracker) Sweep() []string {
	now := t.clock.Now()

	t.mu.Lock()
	lapsed := make(map[string]time.Time)
	for userID, p := range t.peers {
		if now.Sub(p.last) > t.grace {
			lapsed[userID] = p.last
			t.dropLocked(userID, p)
		}
	}
	listener := t.listener
	t.mu.Unlock()

	users := make([]string, 0, len(lapsed))
	for userID := range lapsed {
		users = append(users, userID)
	}
	sort.Strings(users)
	for _, userID := range users {
		t.emit(listener, userID, lapsed[userID])
	}
	return users
}

// Start sweeps once per heartbeat interval until ctx is cancelled, then stops
// every pending deadline
func (t *Tracker) Start(ctx context.Context) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			t.Sweep()
		case <-ctx.Done():
			t.stopDeadlines()
			return
		}
	}
}

func (t *Tracker) stopDeadlines() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		p.deadline.Stop()
	}
}
