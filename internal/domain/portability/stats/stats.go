// Package stats accumulates per entity outcomes of one import.
package stats

import (
	"github.com/FACorreiaa/finance-portability/internal/domain/portability"
)

// Collector is confined to a single import invocation and is not safe for
// concurrent use.
type Collector struct {
	counts       map[string]*portability.EntityStats
	conflicts    []*portability.ConflictError
	maxConflicts int
	truncated    bool
}

// New returns a collector reporting every entity in entities, even untouched ones.
func New(entities []string, maxConflicts int) *Collector {
	c := &Collector{
		counts:       make(map[string]*portability.EntityStats, len(entities)),
		maxConflicts: maxConflicts,
	}
	for _, e := range entities {
		c.counts[e] = &portability.EntityStats{}
	}
	return c
}

func (c *Collector) entry(entity string) *portability.EntityStats {
	s, ok := c.counts[entity]
	if !ok {
		s = &portability.EntityStats{}
		c.counts[entity] = s
	}
	return s
}

func (c *Collector) Inserted(entity string) { c.entry(entity).Inserted++ }

func (c *Collector) Updated(entity string) { c.entry(entity).Updated++ }

func (c *Collector) Failed(entity string) { c.entry(entity).Failed++ }

// Skipped counts a collision left untouched and keeps it for the summary.
func (c *Collector) Skipped(conflict *portability.ConflictError) {
	c.entry(conflict.Entity).Skipped++
	if len(c.conflicts) < c.maxConflicts {
		c.conflicts = append(c.conflicts, conflict)
		return
	}
	c.truncated = true
}

// Stats returns the counters of entity.
func (c *Collector) Stats(entity string) portability.EntityStats {
	if s, ok := c.counts[entity]; ok {
		return *s
	}
	return portability.EntityStats{}
}

// Summary snapshots the counters.
func (c *Collector) Summary() portability.ResultSummary {
	out := portability.ResultSummary{
		Statistics:         make(map[string]portability.EntityStats, len(c.counts)),
		ConflictsTruncated: c.truncated,
	}
	for k, v := range c.counts {
		out.Statistics[k] = *v
	}
	if len(c.conflicts) > 0 {
		out.Conflicts = append([]*portability.ConflictError(nil), c.conflicts...)
	}
	return out
}
