package ledger

import (
	"fmt"
	"slices"
)

// Watch subscribes to snapshots of job id. The channel immediately receives
// the current state and then the latest state after every change; slow
// readers only see the most recent snapshot. The channel is closed after a
// terminal snapshot, when the job is deleted, or when cancel is called.
func (l *Ledger) Watch(id string) (<-chan Job, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, ok := l.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ch := make(chan Job, 1)
	ch <- j.clone()
	if j.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	l.watchers[id] = append(l.watchers[id], ch)

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		ws := l.watchers[id]
		if i := slices.Index(ws, ch); i >= 0 {
			l.watchers[id] = slices.Delete(ws, i, i+1)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// notify must be called with the write lock held.
func (l *Ledger) notify(j *Job) {
	ws := l.watchers[j.ID]
	if len(ws) == 0 {
		return
	}
	for _, ch := range ws {
		// Replace any unread snapshot with the newer one.
		select {
		case <-ch:
		default:
		}
		ch <- j.clone()
		if j.Status.Terminal() {
			close(ch)
		}
	}
	if j.Status.Terminal() {
		delete(l.watchers, j.ID)
	}
}
