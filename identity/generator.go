package identity

import (
	"sync"
	"time"
)

// counterBits is the number of id bits reserved for the per-millisecond
// counter. 20 bits allow just over a million ids per millisecond before the
// generator rolls into the next tick.
const counterBits = 20

// Generator produces strictly increasing ids for a single process. Ids embed
// the millisecond timestamp in the high bits and a per-tick counter in the
// low bits, so ids from the same sender are globally ordered and roughly
// sortable by creation time.
//
// Generator is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	lastMs  int64
	counter int64
}

// NewGenerator creates a generator starting at the current wall clock.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns the next id. Values are strictly increasing even under
// concurrent callers and across clock adjustments: a clock that runs
// backwards is ignored until real time catches up with the last issued tick.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms > g.lastMs {
		g.lastMs = ms
		g.counter = 0
	}
	id := g.lastMs<<counterBits | g.counter
	g.counter++
	if g.counter >= 1<<counterBits {
		// Counter exhausted inside one tick; borrow the next one.
		g.lastMs++
		g.counter = 0
	}
	return id
}

// NextResource returns the next id as an unsigned resource id, used for
// client-local placeholder entities before a server assigns the real id.
func (g *Generator) NextResource() uint64 {
	return uint64(g.Next())
}
