package channels

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
)

// RouterOption applies a configuration option to the Router.
type RouterOption func(*Router)

// WithRateLimit caps sends on ch at perSecond with the given burst.
// A non-positive rate disables the limit.
func WithRateLimit(ch model.Channel, perSecond float64, burst int) RouterOption {
	return func(r *Router) {
		if perSecond <= 0 {
			delete(r.limiters, ch)
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiters[ch] = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRenderer sets the message renderer.
func WithRenderer(rd *Renderer) RouterOption {
	return func(r *Router) {
		if rd != nil {
			r.renderer = rd
		}
	}
}

// WithRouterLogger sets the router logger.
func WithRouterLogger(l logger.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// ShoutrrrOption configures the email and push adapters.
type ShoutrrrOption func(*shoutrrrConfig)

type shoutrrrConfig struct {
	notifier Notifier
	timeout  time.Duration
	logger   logger.Logger
}

// WithNotifier replaces the shoutrrr-backed notifier.
func WithNotifier(n Notifier) ShoutrrrOption {
	return func(c *shoutrrrConfig) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithTimeout bounds a send when the context carries no deadline.
func WithTimeout(d time.Duration) ShoutrrrOption {
	return func(c *shoutrrrConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l logger.Logger) ShoutrrrOption {
	return func(c *shoutrrrConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func newShoutrrrConfig(name string, opts []ShoutrrrOption) shoutrrrConfig {
	c := shoutrrrConfig{timeout: defaultNotifyTimeout}
	for _, opt := range opts {
		opt(&c)
	}
	if c.notifier == nil {
		c.notifier = ShoutrrrNotifier{}
	}
	if c.logger == nil {
		c.logger = logger.Get().Named(name)
	}
	return c
}
