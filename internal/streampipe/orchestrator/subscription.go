package orchestrator

import (
	"sync"

	"github.com/pulto/streampipe/internal/streampipe/model"
)

// Subscribe returns a channel receiving a Status after every transition and every aggregation cycle, starting
// with the current one. The channel holds only the latest Status: a subscriber that falls behind skips
// intermediate ones rather than blocking the pipeline. Calling cancel closes the channel.
func (o *Orchestrator) Subscribe() (<-chan model.Status, func()) {
	ch := make(chan model.Status, 1)

	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	ch <- o.Status()
	o.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.subMu.Lock()
			defer o.subMu.Unlock()
			delete(o.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

// publish sends the current Status to every subscriber. Must not be called with mu held.
func (o *Orchestrator) publish() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if len(o.subscribers) == 0 {
		return
	}
	status := o.Status()
	for _, ch := range o.subscribers {
		offerLatest(ch, status)
	}
}

// offerLatest replaces whatever ch holds with status. ch must have a buffer of one and a single sender.
func offerLatest(ch chan model.Status, status model.Status) {
	select {
	case ch <- status:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- status:
	default:
	}
}
