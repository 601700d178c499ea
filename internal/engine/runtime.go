package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"consultline.local/projects/engine/internal/directory"
)

// runtime is the per-session in-memory state bag: timer handles, the
// ghost-tick counter and one-shot flags. It exists only while the session
// has a live actor and is discarded at termination. All fields below cmds
// and stopped are owned by the session's actor goroutine.
type runtime struct {
	sessionID string
	cmds      chan func()
	stopped   chan struct{}

	rec                directory.Record
	billTicker         *time.Ticker
	monitorTicker      *time.Ticker
	balanceTicker      *time.Ticker
	ghostTicks         int
	unitPrice          decimal.Decimal
	lowBalanceNotified bool
	ended              bool
}

func (rt *runtime) stopTickers() {
	if rt.billTicker != nil {
		rt.billTicker.Stop()
		rt.billTicker = nil
	}
	if rt.monitorTicker != nil {
		rt.monitorTicker.Stop()
		rt.monitorTicker = nil
	}
	if rt.balanceTicker != nil {
		rt.balanceTicker.Stop()
		rt.balanceTicker = nil
	}
}

// post enqueues work for the actor without waiting for the result. Work
// posted to a stopped session is dropped.
func (rt *runtime) post(fn func()) {
	select {
	case <-rt.stopped:
		return
	default:
	}
	select {
	case rt.cmds <- fn:
	case <-rt.stopped:
	}
}

// tickerC adapts an optional ticker for select: a nil ticker yields a nil
// channel, which never fires.
func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// registry owns the session-id -> runtime table. Runtimes are only ever
// created through start and removed through remove; the map is never
// handed out.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*runtime
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*runtime)}
}

// start creates the runtime and spawns its actor goroutine, or returns
// the existing one. init runs on the actor goroutine before the first
// command, so it may arm tickers safely.
func (r *registry) start(rec directory.Record, init func(*runtime), loop func(*runtime)) *runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[rec.SessionID]; ok {
		return existing
	}

	rt := &runtime{
		sessionID: rec.SessionID,
		cmds:      make(chan func(), 64),
		stopped:   make(chan struct{}),
		rec:       rec,
	}
	r.sessions[rec.SessionID] = rt

	go func() {
		if init != nil {
			init(rt)
		}
		loop(rt)
	}()
	return rt
}

func (r *registry) get(sessionID string) (*runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.sessions[sessionID]
	return rt, ok
}

func (r *registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}
