package autonomy

import (
	"context"
	"sync"
)

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, p Prompt) (Decision, error)

// Prompt implements Channel.
func (f ChannelFunc) Prompt(ctx context.Context, p Prompt) (Decision, error) { return f(ctx, p) }

// PolicyChannel answers every prompt with a fixed decision.
type PolicyChannel struct {
	Decision Decision
}

// Prompt implements Channel.
func (c PolicyChannel) Prompt(ctx context.Context, _ Prompt) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	d := c.Decision
	if d.By == "" {
		d.By = "policy"
	}
	return d, nil
}

// Inbox is a Channel whose decisions arrive out of band through Deliver,
// for example from the HTTP API or a watched directory.
type Inbox struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	notify  func(Prompt)
}

type waiter struct {
	prompt   Prompt
	response chan Decision
	once     sync.Once
}

// NewInbox creates an Inbox. notify, when set, is called for every prompt
// before waiting so it can be published.
func NewInbox(notify func(Prompt)) *Inbox {
	return &Inbox{waiters: make(map[string]*waiter), notify: notify}
}

// Prompt waits for Deliver or ctx.
func (in *Inbox) Prompt(ctx context.Context, p Prompt) (Decision, error) {
	w := &waiter{prompt: p, response: make(chan Decision, 1)}

	in.mu.Lock()
	in.waiters[p.Request.ID] = w
	in.mu.Unlock()

	if in.notify != nil {
		in.notify(p)
	}

	select {
	case d := <-w.response:
		return d, nil
	case <-ctx.Done():
		// a decision delivered while we were giving up still wins
		in.remove(p.Request.ID, w)
		select {
		case d := <-w.response:
			return d, nil
		default:
			return Decision{}, ctx.Err()
		}
	}
}

// Deliver hands d to the prompt waiting on requestID. It reports whether a
// waiter took it.
func (in *Inbox) Deliver(requestID string, d Decision) bool {
	in.mu.Lock()
	w, ok := in.waiters[requestID]
	if ok {
		delete(in.waiters, requestID)
	}
	in.mu.Unlock()
	if !ok {
		return false
	}

	delivered := false
	w.once.Do(func() {
		w.response <- d
		delivered = true
	})
	return delivered
}

// Waiting returns the prompts currently waiting.
func (in *Inbox) Waiting() []Prompt {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Prompt, 0, len(in.waiters))
	for _, w := range in.waiters {
		out = append(out, w.prompt)
	}
	return out
}

// remove unregisters w; once it returns Deliver can no longer reach it.
func (in *Inbox) remove(id string, w *waiter) {
	in.mu.Lock()
	if cur, ok := in.waiters[id]; ok && cur == w {
		delete(in.waiters, id)
	}
	in.mu.Unlock()
	w.once.Do(func() {})
}
