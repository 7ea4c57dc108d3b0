package executor

import (
	"sync"
	"time"
)

// dedupeRetain is how long a finished fingerprint keeps rejecting replays.
const dedupeRetain = 10 * time.Minute

// registry dedupes executions by opportunity fingerprint: an opportunity
// is rejected while one execution of it is in flight and for dedupeRetain
// after it finished, so a replayed scan result can never produce two
// trades for one underlying fill. The lock guards map access only, never
// any I/O.
type registry struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	done     map[string]time.Time
}

func newRegistry() *registry {
	return &registry{
		inflight: make(map[string]struct{}),
		done:     make(map[string]time.Time),
	}
}

// begin claims the fingerprint. False means a duplicate: the same market
// state is already executing or recently executed.
func (r *registry) begin(fp string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, at := range r.done {
		if now.Sub(at) > dedupeRetain {
			delete(r.done, key)
		}
	}
	if _, ok := r.inflight[fp]; ok {
		return false
	}
	if _, ok := r.done[fp]; ok {
		return false
	}
	r.inflight[fp] = struct{}{}
	return true
}

// finish releases the fingerprint into the recently-done set.
func (r *registry) finish(fp string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, fp)
	r.done[fp] = now
}

// Inflight reports how many executions are currently running.
func (r *registry) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
