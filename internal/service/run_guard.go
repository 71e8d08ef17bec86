package service

import (
	"sync"

	"github.com/jnst/lume-outbox/internal/model"
)

// runGuard admits one processing run at a time. Requests arriving while a run
// is active collapse into a single follow-up.
type runGuard struct {
	mu      sync.Mutex
	active  bool
	pending *model.RunOptions
}

// tryBegin starts a run, or records a follow-up and reports false.
func (g *runGuard) tryBegin(opts model.RunOptions) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		g.active = true
		return true
	}

	switch {
	case g.pending == nil:
		o := opts
		g.pending = &o
	case g.pending.UserID != opts.UserID:
		// Two different accounts asked; one run over all accounts serves both.
		g.pending.UserID = ""
	}

	return false
}

// next hands out the follow-up, or releases the guard when there is none.
func (g *runGuard) next() (model.RunOptions, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		o := *g.pending
		g.pending = nil

		return o, true
	}

	g.active = false

	return model.RunOptions{}, false
}

// end releases the guard and drops any follow-up.
func (g *runGuard) end() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.active = false
	g.pending = nil
}
