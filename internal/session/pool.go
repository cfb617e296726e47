package session

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"

	"github.com/crawlkit/crawlkit/internal/eventbus"
)

// DefaultPersistenceKey is the stable key a Pool's state is saved under.
const DefaultPersistenceKey = "SDK_SESSION_POOL_STATE"

var defaultBlockedStatusCodes = []int{401, 403, 429}

// Store is the persistence dependency Pool saves its state through.
type Store interface {
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	SetValue(ctx context.Context, key string, value []byte, contentType string) error
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	MaxPoolSize        int
	BlockedStatusCodes []int
	SessionOptions     Options
	PersistenceKey     string
}

func (o *PoolOptions) setDefaults() {
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = 1000
	}
	if o.BlockedStatusCodes == nil {
		o.BlockedStatusCodes = defaultBlockedStatusCodes
	}
	if o.PersistenceKey == "" {
		o.PersistenceKey = DefaultPersistenceKey
	}
}

// Pool is a bounded, rotating collection of Sessions.
type Pool struct {
	mu       sync.Mutex
	sessions []*Session
	byID     map[string]*Session

	opts  PoolOptions
	bus   *eventbus.Bus
	store Store

	blocked map[int]struct{}

	unsubscribe func()
}

// NewPool constructs a Pool. store may be nil to disable persistence.
func NewPool(opts PoolOptions, bus *eventbus.Bus, store Store) *Pool {
	opts.setDefaults()
	if bus == nil {
		bus = eventbus.New()
	}

	blocked := make(map[int]struct{}, len(opts.BlockedStatusCodes))
	for _, code := range opts.BlockedStatusCodes {
		blocked[code] = struct{}{}
	}

	p := &Pool{
		byID:    make(map[string]*Session),
		opts:    opts,
		bus:     bus,
		store:   store,
		blocked: blocked,
	}

	p.unsubscribe = bus.Subscribe(eventbus.EventSessionRetired, func(payload any) {
		id, ok := payload.(string)
		if !ok {
			return
		}
		p.removeByID(id)
	})

	return p
}

// BlockedStatusCodes returns the pool's current blocked-status-code set,
// merged with any caller-supplied extras.
func (p *Pool) BlockedStatusCodes(extra ...int) map[int]struct{} {
	out := make(map[int]struct{}, len(p.blocked)+len(extra))
	for code := range p.blocked {
		out[code] = struct{}{}
	}
	for _, code := range extra {
		out[code] = struct{}{}
	}
	return out
}

func (p *Pool) removeByID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
	for i, s := range p.sessions {
		if s.id == id {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			break
		}
	}
}

func (p *Pool) createSessionLocked() *Session {
	s := newSession(p.opts.SessionOptions, p.bus)
	p.sessions = append(p.sessions, s)
	p.byID[s.id] = s
	return s
}

// GetSession returns a usable Session, constructing or rotating as needed.
func (p *Pool) GetSession() *Session {
	for attempt := 0; attempt < 10; attempt++ {
		p.mu.Lock()
		n := len(p.sessions)
		if n < p.opts.MaxPoolSize {
			probNew := 1 - float64(n)/float64(p.opts.MaxPoolSize)
			if rand.Float64() < probNew {
				s := p.createSessionLocked()
				p.mu.Unlock()
				return s
			}
		}
		if n == 0 {
			p.mu.Unlock()
			continue
		}
		s := p.sessions[rand.IntN(n)]
		p.mu.Unlock()

		if s.IsUsable() {
			return s
		}
		s.Retire()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createSessionLocked()
}

// Size returns the number of sessions currently held by the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

type persistedPoolState struct {
	Sessions []State `json:"sessions"`
}

// Teardown persists the pool's state (if a Store is configured) and stops
// listening for retirement events.
func (p *Pool) Teardown(ctx context.Context) error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	return p.Persist(ctx)
}

// Persist saves the pool's current sessions through its Store.
func (p *Pool) Persist(ctx context.Context) error {
	if p.store == nil {
		return nil
	}

	p.mu.Lock()
	states := make([]State, 0, len(p.sessions))
	for _, s := range p.sessions {
		states = append(states, s.GetState())
	}
	p.mu.Unlock()

	buf, err := json.Marshal(persistedPoolState{Sessions: states})
	if err != nil {
		return err
	}
	return p.store.SetValue(ctx, p.opts.PersistenceKey, buf, "application/json")
}

// Rehydrate reconstructs sessions from previously persisted state, if any
// exists, preserving createdAt/expiresAt/usage and replaying each session's
// cookies back into a fresh jar per origin.
func (p *Pool) Rehydrate(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	buf, ok, err := p.store.GetValue(ctx, p.opts.PersistenceKey)
	if err != nil || !ok {
		return err
	}

	var state persistedPoolState
	if err := json.Unmarshal(buf, &state); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range state.Sessions {
		s := restoreSession(st, p.bus)
		p.sessions = append(p.sessions, s)
		p.byID[s.id] = s
	}
	return nil
}
