package registry

import "boardroom/internal/domain"

// Subscription is one observer's view of a run.
type Subscription struct {
	runID string
	id    uint64
	entry *entry
	ch    chan domain.Run
}

// Updates yields snapshots in commit order and is closed once the run is terminal
// or the subscription is closed.
func (s *Subscription) Updates() <-chan domain.Run { return s.ch }

// RunID is the run this subscription follows.
func (s *Subscription) RunID() string { return s.runID }

// Close unsubscribes. It has no effect on the run and is safe to call more than once.
func (s *Subscription) Close() {
	s.entry.mu.Lock()
	defer s.entry.mu.Unlock()
	if cur, ok := s.entry.subs[s.id]; ok && cur == s {
		delete(s.entry.subs, s.id)
		close(s.ch)
	}
}

// deliver never blocks: when the buffer is full the oldest pending snapshot is dropped
// so the newest one always fits. Callers hold the entry lock, so there is one sender.
func (s *Subscription) deliver(run domain.Run) {
	for {
		select {
		case s.ch <- run:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
