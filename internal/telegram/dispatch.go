package telegram

import (
	"context"
	"sync"

	"github.com/fpang/photo-detect/internal/session"
)

// chatDispatcher runs handle for each event, one event at a time per chat,
// in arrival order. Different chats are handled concurrently.
type chatDispatcher struct {
	handle func(context.Context, session.Event)

	mu      sync.Mutex
	pending map[string][]session.Event // chats with a running worker
	wg      sync.WaitGroup
}

func newChatDispatcher(handle func(context.Context, session.Event)) *chatDispatcher {
	return &chatDispatcher{handle: handle, pending: make(map[string][]session.Event)}
}

func (d *chatDispatcher) dispatch(ctx context.Context, ev session.Event) {
	d.mu.Lock()
	if q, running := d.pending[ev.ChatID]; running {
		d.pending[ev.ChatID] = append(q, ev)
		d.mu.Unlock()
		return
	}
	d.pending[ev.ChatID] = nil
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx, ev)
}

func (d *chatDispatcher) run(ctx context.Context, ev session.Event) {
	defer d.wg.Done()
	for {
		d.handle(ctx, ev)

		d.mu.Lock()
		q := d.pending[ev.ChatID]
		if len(q) == 0 {
			delete(d.pending, ev.ChatID)
			d.mu.Unlock()
			return
		}
		ev, d.pending[ev.ChatID] = q[0], q[1:]
		d.mu.Unlock()
	}
}

// wait blocks until every dispatched event has been handled.
func (d *chatDispatcher) wait() {
	d.wg.Wait()
}
