// Package channel delivers rendered content through the provider behind
// each channel and classifies the outcome.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notification-dispatch/internal/models"
)

// Message is one rendered notification ready for a provider. EntryID is
// stable across retries so providers that support it can de-duplicate.
type Message struct {
	EntryID  string
	TenantID string
	Address  string
	Content  models.Content
}

// Sender is the provider boundary. Implementations never return Go errors:
// every failure is classified as transient or permanent.
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, msg Message) models.SendResult
}

// Registry maps channels to their senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[models.Channel]Sender
	timeout time.Duration
}

// NewRegistry creates a registry; timeout bounds every Send call.
func NewRegistry(timeout time.Duration, senders ...Sender) *Registry {
	r := &Registry{senders: make(map[models.Channel]Sender), timeout: timeout}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Channel()] = s
}

func (r *Registry) Get(ch models.Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	return s, ok
}

// Send validates msg, resolves the sender for ch and invokes it under the
// registry timeout. A call that outlives the timeout is a transient failure
// regardless of what the sender reports afterwards.
func (r *Registry) Send(ctx context.Context, ch models.Channel, msg Message) models.SendResult {
	s, ok := r.Get(ch)
	if !ok {
		return models.PermanentFailure(fmt.Sprintf("no sender registered for channel %s", ch))
	}
	if msg.Content == nil {
		return models.PermanentFailure("message has no content")
	}
	if msg.Content.Channel() != ch {
		return models.PermanentFailure(fmt.Sprintf("content for %s sent on %s", msg.Content.Channel(), ch))
	}
	if err := msg.Content.Validate(); err != nil {
		return models.PermanentFailure(err.Error())
	}
	if msg.Address == "" {
		return models.PermanentFailure("recipient has no address for " + string(ch))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan models.SendResult, 1)
	go func() { done <- s.Send(ctx, msg) }()

	select {
	case res := <-done:
		if res.Outcome != models.OutcomeDelivered && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.TransientFailure("send timed out")
		}
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.TransientFailure("send timed out")
		}
		return models.TransientFailure("send cancelled: " + ctx.Err().Error())
	}
}
