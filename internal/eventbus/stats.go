package eventbus

import (
	"sync"
	"time"
)

// TypeStat is one row of a Stats snapshot.
type TypeStat struct {
	Count uint64    `json:"count"`
	Last  time.Time `json:"last"`
}

// Stats tails a Bus and keeps a per-type counter with the last-seen time,
// giving health endpoints a cheap view of recent trigger and task activity.
type Stats struct {
	mu    sync.Mutex
	types map[string]TypeStat

	unsub func()
	done  chan struct{}
}

// CollectStats subscribes to the bus and starts tailing it. Callers own the
// returned Stats and must Close it to detach.
func CollectStats(b Bus) *Stats {
	ch, unsub := b.Subscribe(64)
	s := &Stats{
		types: map[string]TypeStat{},
		unsub: unsub,
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for e := range ch {
			s.mu.Lock()
			ts := s.types[e.Type]
			ts.Count++
			ts.Last = e.Time
			s.types[e.Type] = ts
			s.mu.Unlock()
		}
	}()
	return s
}

// Close detaches from the bus and waits for the tail goroutine to drain.
func (s *Stats) Close() {
	s.unsub()
	<-s.done
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() map[string]TypeStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TypeStat, len(s.types))
	for k, v := range s.types {
		out[k] = v
	}
	return out
}
