// Package resolver maps a change event to the users and channels that should
// hear about it, honoring each subscription's filters and quiet hours.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/quiet"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

// SubscriptionSource is the read side of the preference store.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context, scope model.Scope) ([]model.Subscription, error)
}

// Recipient is one user and the channels that share a release time.
// A zero DeferredUntil means deliver immediately.
type Recipient struct {
	UserID        string          `json:"user_id"`
	Channels      []model.Channel `json:"channels"`
	DeferredUntil time.Time       `json:"deferred_until,omitempty"`
}

// Deferred reports whether delivery waits for a quiet-hours window to end.
func (r Recipient) Deferred() bool {
	return !r.DeferredUntil.IsZero()
}

// Resolver evaluates subscriptions for change events.
type Resolver struct {
	source SubscriptionSource
	logger logger.Logger
}

// Option applies a configuration option to the Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Resolver reading from source.
func New(source SubscriptionSource, opts ...Option) *Resolver {
	r := &Resolver{source: source}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Get().Named("resolver")
	}
	return r
}

// Resolve returns the recipients of ev as of now. Output is sorted by user,
// then release time, with channels sorted, so it does not depend on the order
// the store returns subscriptions in. Broken subscriptions are skipped.
func (r *Resolver) Resolve(ctx context.Context, ev model.ChangeEvent, now time.Time) ([]Recipient, error) {
	subs, err := r.gather(ctx, ev.Entity)
	if err != nil {
		return nil, err
	}

	// user -> channel -> earliest release (zero is immediate)
	release := make(map[string]map[model.Channel]time.Time)
	for _, sub := range subs {
		if !eligible(sub.Preferences, ev.Entity) {
			continue
		}
		at, channels, err := evaluate(sub, now)
		if err != nil {
			var pre *PreferenceResolutionError
			if errors.As(err, &pre) {
				metrics.RecordPreferenceError(pre.Reason)
			}
			r.logger.Warn(ctx, "skipping subscription",
				logger.String("subscription_id", sub.ID),
				logger.String("user_id", sub.UserID),
				logger.String("event_id", ev.ID),
				logger.Error(err),
			)
			continue
		}

		byChannel, ok := release[sub.UserID]
		if !ok {
			byChannel = make(map[model.Channel]time.Time)
			release[sub.UserID] = byChannel
		}
		for _, ch := range channels {
			prev, seen := byChannel[ch]
			if !seen || earlier(at, prev) {
				byChannel[ch] = at
			}
		}
	}

	out := group(release)
	metrics.RecordRecipientsResolved(len(out))
	return out, nil
}

// gather loads entity and team subscriptions. One failing scope is tolerated.
func (r *Resolver) gather(ctx context.Context, entity model.TrackedEntity) ([]model.Subscription, error) {
	scopes := []model.Scope{model.EntityScope(entity.ID)}
	if team := strings.TrimSpace(entity.Team); team != "" {
		scopes = append(scopes, model.TeamScope(team))
	}

	var (
		subs   []model.Subscription
		failed []error
	)
	for _, sc := range scopes {
		got, err := r.source.ListSubscriptions(ctx, sc)
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", sc.Key(), err))
			r.logger.Error(ctx, "subscription lookup failed", logger.String("scope", sc.Key()), logger.Error(err))
			continue
		}
		subs = append(subs, got...)
	}
	if len(failed) == len(scopes) {
		return nil, fmt.Errorf("%w: %w", ErrSubscriptionsUnavailable, errors.Join(failed...))
	}
	return subs, nil
}

// eligible applies the tier filters.
func eligible(p model.Preferences, entity model.TrackedEntity) bool {
	if entity.Tier < p.MinTier {
		return false
	}
	if p.TopOnly && entity.Tier != model.TierTop {
		return false
	}
	return true
}

// evaluate validates sub and returns its release time and channels.
func evaluate(sub model.Subscription, now time.Time) (time.Time, []model.Channel, error) {
	fail := func(reason string, err error) (time.Time, []model.Channel, error) {
		return time.Time{}, nil, &PreferenceResolutionError{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Reason:         reason,
			Err:            err,
		}
	}

	if strings.TrimSpace(sub.UserID) == "" {
		return fail("missing_user", errors.New("no user id"))
	}
	if len(sub.Preferences.Channels) == 0 {
		return fail("no_channels", errors.New("no channels enabled"))
	}
	channels := make([]model.Channel, 0, len(sub.Preferences.Channels))
	for _, ch := range sub.Preferences.Channels {
		parsed, err := model.ParseChannel(string(ch))
		if err != nil {
			return fail("unknown_channel", err)
		}
		channels = append(channels, parsed)
	}

	var at time.Time
	if q := sub.Preferences.QuietHours; q != nil {
		w, err := quiet.Parse(*q)
		switch {
		case errors.Is(err, quiet.ErrInvalidTimezone):
			return fail("bad_timezone", err)
		case err != nil:
			return fail("bad_window", err)
		}
		if w.Contains(now) {
			at = w.ReleaseAt(now).UTC()
		}
	}
	return at, channels, nil
}

// earlier orders release times with zero (immediate) first.
func earlier(a, b time.Time) bool {
	switch {
	case a.IsZero():
		return !b.IsZero()
	case b.IsZero():
		return false
	}
	return a.Before(b)
}

// group folds per-channel release times into sorted recipients.
func group(release map[string]map[model.Channel]time.Time) []Recipient {
	var out []Recipient
	for user, byChannel := range release {
		byTime := make(map[time.Time][]model.Channel)
		for ch, at := range byChannel {
			byTime[at] = append(byTime[at], ch)
		}
		for at, chs := range byTime {
			model.SortChannels(chs)
			out = append(out, Recipient{UserID: user, Channels: chs, DeferredUntil: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return earlier(out[i].DeferredUntil, out[j].DeferredUntil)
	})
	return out
}
