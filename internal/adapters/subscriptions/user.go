// Package subscriptions provides subscription sources and contact
// directories: in-memory, a hot-reloaded YAML file and Postgres.
package subscriptions

import (
	"fmt"
	"strings"

	"github.com/okian/statuswatch/internal/domain/model"
)

// User is one subscriber as written in the YAML file.
type User struct {
	ID            string             `koanf:"id" json:"id"`
	Email         string             `koanf:"email" json:"email,omitempty"`
	PushURL       string             `koanf:"push_url" json:"push_url,omitempty"`
	Subscriptions []SubscriptionSpec `koanf:"subscriptions" json:"subscriptions"`
}

// SubscriptionSpec is the file form of a subscription. Channel names and
// quiet hours are passed through unchecked; the resolver reports them.
type SubscriptionSpec struct {
	ID         string            `koanf:"id" json:"id,omitempty"`
	Scope      string            `koanf:"scope" json:"scope"`
	Channels   []string          `koanf:"channels" json:"channels"`
	MinTier    string            `koanf:"min_tier" json:"min_tier,omitempty"`
	TopOnly    bool              `koanf:"top_only" json:"top_only,omitempty"`
	QuietHours *model.QuietHours `koanf:"quiet_hours" json:"quiet_hours,omitempty"`
}

// toModel converts spec; idx numbers subscriptions without an explicit id.
func (s SubscriptionSpec) toModel(userID string, idx int) (model.Subscription, error) {
	scope, err := model.ParseScope(s.Scope)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("%w: user %s: %v", ErrInvalidSubscription, userID, err)
	}
	tier, err := model.ParseTier(s.MinTier)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("%w: user %s: %v", ErrInvalidSubscription, userID, err)
	}
	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = fmt.Sprintf("%s-%d", userID, idx+1)
	}
	chans := make([]model.Channel, 0, len(s.Channels))
	for _, c := range s.Channels {
		if parsed, err := model.ParseChannel(c); err == nil {
			chans = append(chans, parsed)
			continue
		}
		chans = append(chans, model.Channel(c))
	}
	return model.Subscription{
		ID:     id,
		UserID: userID,
		Scope:  scope,
		Preferences: model.Preferences{
			Channels:   chans,
			QuietHours: s.QuietHours,
			MinTier:    tier,
			TopOnly:    s.TopOnly,
		},
	}, nil
}
