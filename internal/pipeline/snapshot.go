package pipeline

import (
	"time"

	"github.com/temperhq/temper/internal/screen"
)

// Snapshot is a point-in-time, fully detached copy of pipeline state.
// Callers may hold or serialize it indefinitely; concurrent pipeline
// progress never mutates it.
type Snapshot struct {
	Phase       Phase            `json:"phase"`
	Screens     []*screen.Screen `json:"screens"`
	Errors      []ErrorEntry     `json:"errors"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Screen returns the snapshot's copy of the named screen, or nil.
func (s Snapshot) Screen(name string) *screen.Screen {
	for _, sc := range s.Screens {
		if sc.Name == name {
			return sc
		}
	}
	return nil
}

// Snapshot copies the whole state tree under the global lock. Screens come
// back in discovery order.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Phase:   p.phase,
		Screens: make([]*screen.Screen, 0, len(p.order)),
		Errors:  append([]ErrorEntry(nil), p.errors...),
	}
	for _, name := range p.order {
		snap.Screens = append(snap.Screens, p.screens[name].Clone())
	}
	if p.startedAt != nil {
		t := *p.startedAt
		snap.StartedAt = &t
	}
	if p.completedAt != nil {
		t := *p.completedAt
		snap.CompletedAt = &t
	}
	return snap
}
