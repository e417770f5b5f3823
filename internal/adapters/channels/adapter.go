// Package channels delivers rendered notifications over email, push and the
// in-app feed.
package channels

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
)

// Adapter sends a message to one user on one channel.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, userID string, msg Message) error
}

// Directory resolves a user's address on a channel. It returns ErrNoContact
// when the user has none.
type Directory interface {
	Contact(ctx context.Context, userID string, ch model.Channel) (string, error)
}

// Router picks the adapter for an intent's channel, renders the event and
// applies the channel's rate limit.
type Router struct {
	adapters map[model.Channel]Adapter
	limiters map[model.Channel]*rate.Limiter
	renderer *Renderer
	logger   logger.Logger
}

// NewRouter creates a router over adapters. A channel with no adapter is
// treated as disabled.
func NewRouter(adapters []Adapter, opts ...RouterOption) *Router {
	r := &Router{
		adapters: make(map[model.Channel]Adapter, len(adapters)),
		limiters: make(map[model.Channel]*rate.Limiter),
	}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Channel()] = a
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.renderer == nil {
		r.renderer = DefaultRenderer()
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("channels")
	}
	return r
}

// Enabled reports whether ch has an adapter.
func (r *Router) Enabled(ch model.Channel) bool {
	_, ok := r.adapters[ch]
	return ok
}

// Send implements dispatch.Sender. Attempts and latency are recorded by the
// caller, which knows the final outcome.
func (r *Router) Send(ctx context.Context, in model.Intent) error {
	a, ok := r.adapters[in.Channel]
	if !ok {
		if _, err := model.ParseChannel(string(in.Channel)); err != nil {
			return PermanentError(fmt.Errorf("%w: %s", ErrUnknownChannel, in.Channel))
		}
		return PermanentError(fmt.Errorf("%w: %s", ErrChannelDisabled, in.Channel))
	}

	if l, ok := r.limiters[in.Channel]; ok {
		if err := l.Wait(ctx); err != nil {
			return TransientError(fmt.Errorf("rate limiter: %w", err))
		}
	}

	msg, err := r.renderer.Render(in.Event)
	if err != nil {
		return PermanentError(err)
	}
	msg.IntentID = in.ID

	err = a.Send(ctx, in.UserID, msg)
	if err == nil {
		return nil
	}

	var se *SendError
	if !errors.As(err, &se) {
		err = &SendError{Kind: Classify(err), Err: err}
	}
	r.logger.Debug(ctx, "channel send failed",
		logger.String("intent_id", in.ID),
		logger.String("channel", string(in.Channel)),
		logger.Error(err),
	)
	return err
}
