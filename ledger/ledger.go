// Package ledger tracks the coherence budget consumed by distributed quantum
// operations (teleportation, entanglement swapping) per node/channel/session.
//
// A budget is never negative: a reservation that would overdraw it is
// rejected whole, never partially decremented or clamped. Sessions move
// Active -> Draining -> Closed; only Active sessions accept reservations,
// Draining still accepts releases of in-flight budget.
package ledger

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/errors"
	"github.com/entanglab/qcore/event"
)

// SessionState is the ledger lifecycle state of one session.
type SessionState string

const (
	SessionActive   SessionState = "active"
	SessionDraining SessionState = "draining"
	SessionClosed   SessionState = "closed"
)

type key struct {
	node    string
	channel string
	session string
}

// Session is a read-only snapshot of one ledger entry.
type Session struct {
	Node      string       `json:"node"`
	Channel   string       `json:"channel"`
	ID        string       `json:"session"`
	State     SessionState `json:"state"`
	Grant     float64      `json:"grant"`
	Available float64      `json:"available"`
	CreatedAt time.Time    `json:"created_at"`
}

// Reserved returns the net outstanding budget: grant minus available. The
// conservation invariant grant - reserved == available holds at all times.
func (s Session) Reserved() float64 {
	return s.Grant - s.Available
}

type sessionRec struct {
	key       key
	state     SessionState
	grant     float64
	available float64
	createdAt time.Time
}

func (rec *sessionRec) snapshot() Session {
	return Session{
		Node:      rec.key.node,
		Channel:   rec.key.channel,
		ID:        rec.key.session,
		State:     rec.state,
		Grant:     rec.grant,
		Available: rec.available,
		CreatedAt: rec.createdAt,
	}
}

// Ledger owns the session budget table.
type Ledger struct {
	mu         sync.Mutex
	sessions   map[key]*sessionRec
	cfg        config.LedgerConfig
	bus        *event.Bus
	timeNow    func() time.Time
	depletions int64
	log        *zap.SugaredLogger
}

// NewLedger creates a ledger publishing depletion events to bus.
func NewLedger(cfg config.LedgerConfig, bus *event.Bus, log *zap.SugaredLogger) *Ledger {
	return NewLedgerWithClock(cfg, bus, log, time.Now)
}

// NewLedgerWithClock creates a ledger with an injectable clock (for testing).
func NewLedgerWithClock(cfg config.LedgerConfig, bus *event.Bus, log *zap.SugaredLogger, timeNow func() time.Time) *Ledger {
	return &Ledger{
		sessions: make(map[key]*sessionRec),
		cfg:      cfg,
		bus:      bus,
		timeNow:  timeNow,
		log:      log,
	}
}

// Open creates a new Active session with the given grant (the configured
// default when grant <= 0).
func (l *Ledger) Open(node, channel, session string, grant float64) (Session, error) {
	if grant <= 0 {
		grant = l.cfg.DefaultGrant
	}
	k := key{node, channel, session}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.sessions[k]; exists {
		return Session{}, errors.Newf("session %s/%s/%s already open", node, channel, session)
	}
	rec := &sessionRec{
		key:       k,
		state:     SessionActive,
		grant:     grant,
		available: grant,
		createdAt: l.timeNow(),
	}
	l.sessions[k] = rec
	l.log.Debugw("Ledger session opened", "node", node, "channel", channel, "session", session, "grant", grant)
	return rec.snapshot(), nil
}

// Reserve atomically checks and decrements available budget. An amount that
// would drive the budget negative is rejected whole with ErrLedgerOverdraft;
// the budget is never partially decremented. Only Active sessions accept
// reservations.
func (l *Ledger) Reserve(node, channel, session string, amount float64) error {
	if amount <= 0 {
		return errors.Newf("reserve amount must be positive, got %.3f", amount)
	}
	k := key{node, channel, session}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.sessions[k]
	if !ok {
		return errors.Wrapf(errors.ErrSessionNotActive, "unknown session %s/%s/%s", node, channel, session)
	}
	if rec.state != SessionActive {
		return errors.Wrapf(errors.ErrSessionNotActive, "session %s is %s", session, rec.state)
	}
	if rec.available < amount {
		l.depletions++
		l.publishLocked(rec, "depleted", map[string]interface{}{
			"requested": amount,
			"available": rec.available,
		})
		err := errors.Wrapf(errors.ErrLedgerOverdraft,
			"reserve %.3f on session %s with %.3f available", amount, session, rec.available)
		return errors.WithHint(err, "release budget or wait for a fresh session before retrying")
	}

	rec.available -= amount
	if rec.available == 0 {
		l.publishLocked(rec, "exhausted", nil)
	}
	return nil
}

// Release returns unused budget, capped at the session's original grant so a
// double release can never mint credit. Allowed while Active or Draining.
func (l *Ledger) Release(node, channel, session string, amount float64) error {
	if amount <= 0 {
		return errors.Newf("release amount must be positive, got %.3f", amount)
	}
	k := key{node, channel, session}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.sessions[k]
	if !ok {
		return errors.Wrapf(errors.ErrSessionNotActive, "unknown session %s/%s/%s", node, channel, session)
	}
	if rec.state == SessionClosed {
		return errors.Wrapf(errors.ErrSessionNotActive, "session %s is closed", session)
	}

	rec.available += amount
	if rec.available > rec.grant {
		rec.available = rec.grant
	}
	return nil
}

// Drain moves an Active session to Draining: no new reservations, pending
// releases still allowed.
func (l *Ledger) Drain(node, channel, session string) error {
	k := key{node, channel, session}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.sessions[k]
	if !ok {
		return errors.Wrapf(errors.ErrSessionNotActive, "unknown session %s/%s/%s", node, channel, session)
	}
	if rec.state != SessionActive {
		return errors.Wrapf(errors.ErrSessionNotActive, "session %s is %s", session, rec.state)
	}
	rec.state = SessionDraining
	return nil
}

// ExpireSession zeroes and removes the session's ledger entry, independent
// of in-flight reservations (which must have already been reconciled).
func (l *Ledger) ExpireSession(node, channel, session string) error {
	k := key{node, channel, session}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.sessions[k]
	if !ok {
		return errors.Wrapf(errors.ErrSessionNotActive, "unknown session %s/%s/%s", node, channel, session)
	}
	rec.state = SessionClosed
	rec.available = 0
	delete(l.sessions, k)
	l.log.Debugw("Ledger session expired", "node", node, "channel", channel, "session", session)
	return nil
}

// Get returns a snapshot of the session.
func (l *Ledger) Get(node, channel, session string) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.sessions[key{node, channel, session}]
	if !ok {
		return Session{}, errors.Wrapf(errors.ErrSessionNotActive, "unknown session %s/%s/%s", node, channel, session)
	}
	return rec.snapshot(), nil
}

// Cost estimates the budget consumed by a distributed operation spanning
// the given number of hops.
func (l *Ledger) Cost(hops int) float64 {
	if hops < 1 {
		hops = 1
	}
	return float64(hops) * l.cfg.CostPerHop
}

// Stats summarizes the ledger table for diagnostics.
type Stats struct {
	Sessions       int     `json:"sessions"`
	Active         int     `json:"active"`
	TotalGranted   float64 `json:"total_granted"`
	TotalAvailable float64 `json:"total_available"`
	Depletions     int64   `json:"depletions"`
}

// GetStats takes a consistent read-only view of the table.
func (l *Ledger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s Stats
	for _, rec := range l.sessions {
		s.Sessions++
		if rec.state == SessionActive {
			s.Active++
		}
		s.TotalGranted += rec.grant
		s.TotalAvailable += rec.available
	}
	s.Depletions = l.depletions
	return s
}

// Export returns a snapshot of every session, for persistence.
func (l *Ledger) Export() []Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Session, 0, len(l.sessions))
	for _, rec := range l.sessions {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore inserts recovered sessions into an empty ledger. Closed sessions
// are not resurrected.
func (l *Ledger) Restore(sessions []Session) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0
	for _, s := range sessions {
		if s.State == SessionClosed {
			continue
		}
		k := key{s.Node, s.Channel, s.ID}
		l.sessions[k] = &sessionRec{
			key:       k,
			state:     s.State,
			grant:     s.Grant,
			available: s.Available,
			createdAt: s.CreatedAt,
		}
		restored++
	}
	return restored
}

func (l *Ledger) publishLocked(rec *sessionRec, kind string, detail map[string]interface{}) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(event.Event{
		Class:   event.ClassLedger,
		Kind:    kind,
		At:      l.timeNow(),
		Session: rec.key.session,
		Detail:  detail,
	})
}
