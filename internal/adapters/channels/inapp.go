package channels

import (
	"context"
	"errors"
	"time"

	"github.com/okian/statuswatch/internal/adapters/feed"
	"github.com/okian/statuswatch/internal/domain/model"
)

// Publisher is the slice of the feed hub the in-app adapter needs.
type Publisher interface {
	Publish(ctx context.Context, userID string, n feed.Notification) error
}

// InAppAdapter pushes notifications to the live feed.
type InAppAdapter struct {
	pub Publisher
	now func() time.Time
}

// NewInAppAdapter returns an adapter publishing to pub.
func NewInAppAdapter(pub Publisher) *InAppAdapter {
	return &InAppAdapter{pub: pub, now: time.Now}
}

// Channel implements Adapter.
func (a *InAppAdapter) Channel() model.Channel { return model.ChannelInApp }

// Send implements Adapter. A user with no open connection still counts as
// delivered.
func (a *InAppAdapter) Send(ctx context.Context, userID string, msg Message) error {
	ev := msg.Event
	n := feed.Notification{
		ID:          msg.IntentID,
		UserID:      userID,
		EventID:     ev.ID,
		EntityID:    ev.Entity.ID,
		Name:        ev.Entity.DisplayName(),
		Team:        ev.Entity.Team,
		Class:       string(ev.Class),
		OldStatus:   string(ev.PrevStatus),
		NewStatus:   string(ev.NewStatus),
		Note:        ev.NewNote,
		Subject:     msg.Subject,
		Text:        msg.Text,
		HTML:        msg.HTML,
		DeliveredAt: a.now().UTC(),
	}
	err := a.pub.Publish(ctx, userID, n)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, feed.ErrHubClosed):
		return TransientError(err)
	default:
		return PermanentError(err)
	}
}
