package channels

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

const defaultNotifyTimeout = 10 * time.Second

// Notifier sends one message to a set of shoutrrr service URLs.
type Notifier interface {
	Notify(ctx context.Context, urls []string, title, body string) error
}

// ShoutrrrNotifier is the production Notifier.
type ShoutrrrNotifier struct{}

// Notify implements Notifier. The router's own timeout is taken from the
// context deadline.
func (ShoutrrrNotifier) Notify(ctx context.Context, urls []string, title, body string) error {
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return PermanentError(fmt.Errorf("create sender: %w", err))
	}
	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		if d <= 0 {
			return TransientError(context.DeadlineExceeded)
		}
		sender.Timeout = d
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	params := stypes.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	for _, e := range sender.Send(body, &params) {
		if e != nil {
			return classifyNotifyError(e)
		}
	}
	return nil
}

var (
	httpStatusPattern = regexp.MustCompile(`unexpected HTTP status: (\d{3})`)
	smtpRejectPattern = regexp.MustCompile(`\b55[0-4]\b`)
)

// classifyNotifyError maps service errors onto send kinds. Client errors
// other than 408 and 429 and SMTP 55x rejections never succeed on retry.
func classifyNotifyError(err error) error {
	msg := err.Error()
	if m := httpStatusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code >= 400 && code < 500 && code != 408 && code != 429 {
			return PermanentError(err)
		}
		return TransientError(err)
	}
	if smtpRejectPattern.MatchString(msg) {
		return PermanentError(err)
	}
	return TransientError(err)
}

// boundedContext applies fallback when ctx has no deadline.
func boundedContext(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || fallback <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, fallback)
}
