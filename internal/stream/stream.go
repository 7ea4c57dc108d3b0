// Package stream maintains the latest order book snapshot for every
// configured (venue, symbol) pair by polling venue REST endpoints.
//
// Each pair runs its own poll goroutine through a per-venue concurrency
// gate so a slow venue cannot starve the others. Subscribers receive
// accepted snapshots on the pair's goroutine; snapshots whose timestamp
// does not advance are dropped, so delivery per pair is in strictly
// increasing timestamp order.
package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/metrics"
	"crossarb/internal/symbol"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// State is the poll lifecycle position of one pair.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateFresh
	StateStale
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateFresh:
		return "FRESH"
	case StateStale:
		return "STALE"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Listener receives every accepted snapshot. Callbacks run on the pair's
// poll goroutine and must return quickly.
type Listener func(*types.OrderBookSnapshot)

// Recorder observes the outcome of every poll. The risk manager implements
// it to drive the connectivity and error-rate breakers.
type Recorder interface {
	RecordResult(venueName string, err error)
}

// pollDepth is the book depth requested on every poll. Detection only
// needs the top of book; venues with a fixed depth menu round it up.
const pollDepth = 10

// drainTimeout bounds how long Stop waits for in-flight polls.
const drainTimeout = 5 * time.Second

type pairKey struct {
	venue  string
	symbol symbol.Symbol
}

type pairState struct {
	mu       sync.Mutex
	state    State
	snap     *types.OrderBookSnapshot
	failures int
}

// setState moves the pair unless it has already stopped.
func (p *pairState) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateStopped {
		p.state = s
	}
}

// store accepts a snapshot if its timestamp advances past the cached one.
// A successful poll resets the failure streak either way.
func (p *pairState) store(snap *types.OrderBookSnapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.state = StateFresh
	if p.snap != nil && !snap.FetchedAt.After(p.snap.FetchedAt) {
		return false
	}
	p.snap = snap
	return true
}

// fail counts one failed poll and reports whether the pair just stopped.
func (p *pairState) fail(maxFailures int) (failures int, stopped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	switch {
	case p.failures >= maxFailures:
		p.state = StateStopped
	case p.snap != nil:
		p.state = StateStale
	default:
		p.state = StateIdle
	}
	return p.failures, p.state == StateStopped
}

// Stream polls order books for a fixed pair set and caches the latest
// snapshot per pair.
type Stream struct {
	cfg    config.StreamConfig
	maxAge time.Duration
	venues map[string]venue.Venue
	rec    Recorder
	met    *metrics.Metrics
	logger *slog.Logger

	// pairs and sems are fixed after New; only their contents need locks.
	pairs map[pairKey]*pairState
	sems  map[string]chan struct{}

	mu        sync.RWMutex
	listeners []Listener
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// New builds a stream over every (venue, symbol) combination the venue's
// rendering supports. rec and met may be nil.
func New(venues map[string]venue.Venue, symbols []symbol.Symbol, cfg config.StreamConfig, maxAge time.Duration, rec Recorder, met *metrics.Metrics, logger *slog.Logger) *Stream {
	s := &Stream{
		cfg:    cfg,
		maxAge: maxAge,
		venues: venues,
		rec:    rec,
		met:    met,
		logger: logger.With("component", "stream"),
		pairs:  make(map[pairKey]*pairState),
		sems:   make(map[string]chan struct{}),
	}

	concurrency := cfg.PerVenueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for name, v := range venues {
		s.sems[name] = make(chan struct{}, concurrency)
		for _, sym := range symbols {
			if !symbol.Supports(sym, v.Rendering()) {
				s.logger.Debug("pair skipped, quote not listed", "venue", name, "symbol", sym)
				continue
			}
			s.pairs[pairKey{venue: name, symbol: sym}] = &pairState{state: StateIdle}
		}
	}
	return s
}

// Subscribe registers fn for every accepted snapshot. Call before Start.
func (s *Stream) Subscribe(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start launches one poll goroutine per pair. Calling Start twice is a
// no-op until Stop.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	for key, ps := range s.pairs {
		s.wg.Add(1)
		go s.pollPair(ctx, key, ps)
	}
	s.logger.Info("stream started",
		"pairs", len(s.pairs),
		"interval", s.cfg.PollingInterval(),
	)
}

// Stop cancels polling and waits for in-flight fetches, bounded by
// drainTimeout.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("stream stopped")
	case <-time.After(drainTimeout):
		s.logger.Warn("stream drain timed out")
	}
}

func (s *Stream) pollPair(ctx context.Context, key pairKey, ps *pairState) {
	defer s.wg.Done()

	if stopped := s.refresh(ctx, key, ps); stopped {
		return
	}
	ticker := time.NewTicker(s.cfg.PollingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stopped := s.refresh(ctx, key, ps); stopped {
				return
			}
		}
	}
}

// refresh fetches one snapshot for the pair. Returns true once the pair
// has exceeded its failure budget and must not be polled again.
func (s *Stream) refresh(ctx context.Context, key pairKey, ps *pairState) (stopped bool) {
	sem := s.sems[key.venue]
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-sem }()

	ps.setState(StateFetching)
	s.met.SetPairState(key.venue, key.symbol.String(), float64(StateFetching))

	start := time.Now()
	snap, err := s.venues[key.venue].FetchOrderBook(ctx, key.symbol, pollDepth)
	if ctx.Err() != nil {
		// Shutdown, not a venue fault.
		return false
	}
	if s.rec != nil {
		s.rec.RecordResult(key.venue, err)
	}

	if err != nil {
		s.met.PollFailed(key.venue)
		failures, stopped := ps.fail(s.cfg.MaxConsecutiveFailures)
		if stopped {
			s.met.SetPairState(key.venue, key.symbol.String(), float64(StateStopped))
			s.logger.Error("pair stopped after consecutive failures",
				"venue", key.venue,
				"symbol", key.symbol,
				"failures", failures,
				"error", err,
			)
			return true
		}
		s.met.SetPairState(key.venue, key.symbol.String(), float64(StateStale))
		s.logger.Warn("poll failed",
			"venue", key.venue,
			"symbol", key.symbol,
			"failures", failures,
			"error", err,
		)
		return false
	}

	accepted := ps.store(snap)
	s.met.SetPairState(key.venue, key.symbol.String(), float64(StateFresh))
	if !accepted {
		s.logger.Debug("snapshot dropped, timestamp did not advance",
			"venue", key.venue,
			"symbol", key.symbol,
		)
		return false
	}
	s.met.SnapshotFetched(key.venue, key.symbol.String(), time.Since(start))

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return false
}

// Latest returns the cached snapshot for the pair and whether it is still
// inside the freshness budget.
func (s *Stream) Latest(venueName string, sym symbol.Symbol) (*types.OrderBookSnapshot, bool) {
	ps, ok := s.pairs[pairKey{venue: venueName, symbol: sym}]
	if !ok {
		return nil, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.snap == nil {
		return nil, false
	}
	return ps.snap, ps.snap.Fresh(time.Now(), s.maxAge)
}

// Snapshots returns every cached snapshot. Staleness filtering is left to
// the caller.
func (s *Stream) Snapshots() []*types.OrderBookSnapshot {
	out := make([]*types.OrderBookSnapshot, 0, len(s.pairs))
	for _, ps := range s.pairs {
		ps.mu.Lock()
		if ps.snap != nil {
			out = append(out, ps.snap)
		}
		ps.mu.Unlock()
	}
	return out
}

// PairStatus describes one polled pair for the monitor.
type PairStatus struct {
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	FetchedAt time.Time `json:"fetched_at"`
	AgeMS     int64     `json:"age_ms"`
}

// Status reports all pairs sorted by venue then symbol. A FRESH pair whose
// snapshot has aged past the budget reports STALE.
func (s *Stream) Status() []PairStatus {
	now := time.Now()
	out := make([]PairStatus, 0, len(s.pairs))
	for key, ps := range s.pairs {
		ps.mu.Lock()
		st := ps.state
		if st == StateFresh && ps.snap != nil && !ps.snap.Fresh(now, s.maxAge) {
			st = StateStale
		}
		status := PairStatus{
			Venue:    key.venue,
			Symbol:   key.symbol.String(),
			State:    st.String(),
			Failures: ps.failures,
		}
		if ps.snap != nil {
			status.FetchedAt = ps.snap.FetchedAt
			status.AgeMS = now.Sub(ps.snap.FetchedAt).Milliseconds()
		}
		ps.mu.Unlock()
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
