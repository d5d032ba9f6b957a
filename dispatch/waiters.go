package dispatch

import (
	"sync"
	"time"

	"github.com/yandex/porto/container"
)

// waiterSet implements the Wait verb of §4.7: "attach the client as a
// waiter on one or more container names (glob permitted); a state
// transition to Dead ... wakes all matching waiters and emits one event
// per wake. Waiters expire on a timeout."
//
// Grounded on the teacher's pubsub.Publisher (daemon/events or
// libcontainerd's exit-notification channel): a registered set of
// channels, fanned out to on publish, here keyed by a glob pattern
// rather than a container id since Wait accepts multiple name patterns.
type waiterSet struct {
	mu      sync.Mutex
	waiting []*waitEntry
}

type waitEntry struct {
	patterns []string
	ch       chan string
}

func newWaiterSet() *waiterSet { return &waiterSet{} }

// notify wakes every registered waiter whose pattern set matches name,
// delivering name. Only dispatch.stop calls this, after a successful Stop;
// a container that the reconciliation loop marks Dead does not wake
// waiters.
func (s *waiterSet) notify(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.waiting[:0]
	for _, w := range s.waiting {
		if matchesAny(w.patterns, name) {
			w.ch <- name
			continue
		}
		remaining = append(remaining, w)
	}
	s.waiting = remaining
}

// wait blocks until one of patterns is notified or timeout elapses. It
// returns at once if, at registration time, any pattern names an existing
// container (looked up as a literal name, not expanded as a glob) that is
// already Dead. Returns the container name that woke it and whether the
// wait timed out.
func (s *waiterSet) wait(patterns []string, timeout time.Duration, holder *container.Holder) (string, bool) {
	for _, p := range patterns {
		if c := holder.Get(p); c != nil && c.State() == container.Dead {
			return p, false
		}
	}

	ch := make(chan string, 1)
	entry := &waitEntry{patterns: patterns, ch: ch}

	s.mu.Lock()
	s.waiting = append(s.waiting, entry)
	s.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case name := <-ch:
		return name, false
	case <-timer:
		s.remove(entry)
		return "", true
	}
}

func (s *waiterSet) remove(target *waitEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.waiting[:0]
	for _, w := range s.waiting {
		if w != target {
			remaining = append(remaining, w)
		}
	}
	s.waiting = remaining
}
