package channels

import (
	"context"
	"fmt"

	"github.com/okian/statuswatch/internal/domain/model"
)

// PushAdapter sends to a per-user shoutrrr service URL (ntfy, pushover,
// telegram and so on) taken from the directory.
type PushAdapter struct {
	dir Directory
	cfg shoutrrrConfig
}

// NewPushAdapter returns a push adapter over dir.
func NewPushAdapter(dir Directory, opts ...ShoutrrrOption) (*PushAdapter, error) {
	if dir == nil {
		return nil, fmt.Errorf("push adapter needs a contact directory")
	}
	return &PushAdapter{dir: dir, cfg: newShoutrrrConfig("push", opts)}, nil
}

// Channel implements Adapter.
func (a *PushAdapter) Channel() model.Channel { return model.ChannelPush }

// Send implements Adapter.
func (a *PushAdapter) Send(ctx context.Context, userID string, msg Message) error {
	target, err := lookupContact(ctx, a.dir, userID, model.ChannelPush)
	if err != nil {
		return err
	}
	ctx, cancel := boundedContext(ctx, a.cfg.timeout)
	defer cancel()
	return a.cfg.notifier.Notify(ctx, []string{target}, msg.Subject, msg.Text)
}
