package retry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/okian/statuswatch/internal/domain/retry"
	. "github.com/smartystreets/goconvey/convey"
)

func TestPolicyDelays(t *testing.T) {
	Convey("Given a policy without jitter", t, func() {
		p := retry.Policy{
			MaxAttempts:     4,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     300 * time.Millisecond,
			Multiplier:      2,
		}
		So(p.Validate(), ShouldBeNil)

		Convey("Then delays grow exponentially and cap at the max interval", func() {
			So(p.Delay(1), ShouldEqual, 100*time.Millisecond)
			So(p.Delay(2), ShouldEqual, 200*time.Millisecond)
			So(p.Delay(3), ShouldEqual, 300*time.Millisecond)
			So(p.Delay(10), ShouldEqual, 300*time.Millisecond)
		})

		Convey("Then the horizon sums the waits between attempts", func() {
			So(p.Horizon(), ShouldEqual, 600*time.Millisecond)
		})

		Convey("Then retries stop at MaxAttempts", func() {
			So(p.CanRetry(3), ShouldBeTrue)
			So(p.CanRetry(4), ShouldBeFalse)
		})

		Convey("Then the backoff yields exactly MaxAttempts-1 waits", func() {
			b := p.NewBackOff()
			waits := 0
			for b.NextBackOff() != backoff.Stop {
				waits++
			}
			So(waits, ShouldEqual, 3)
		})
	})

	Convey("Given a policy with jitter", t, func() {
		p := retry.DefaultPolicy()

		Convey("Then each delay stays inside the jitter band", func() {
			for i := 0; i < 50; i++ {
				d := p.Delay(1)
				So(d, ShouldBeGreaterThanOrEqualTo, time.Duration(float64(p.InitialInterval)*(1-p.Jitter)))
				So(d, ShouldBeLessThanOrEqualTo, time.Duration(float64(p.InitialInterval)*(1+p.Jitter)))
			}
		})
	})
}

func TestPolicyValidate(t *testing.T) {
	Convey("Given invalid policies", t, func() {
		bad := []retry.Policy{
			{MaxAttempts: 0, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 2},
			{MaxAttempts: 1, InitialInterval: 0, MaxInterval: time.Second, Multiplier: 2},
			{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: time.Millisecond, Multiplier: 2},
			{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 0.5},
			{MaxAttempts: 1, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 2, Jitter: 1},
		}
		for _, p := range bad {
			So(errors.Is(p.Validate(), retry.ErrInvalidPolicy), ShouldBeTrue)
		}
	})
}
