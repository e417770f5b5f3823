package provider_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/okian/statuswatch/internal/adapters/provider"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/retry"
	"github.com/okian/statuswatch/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

const rosterURL = "https://feed.example.test/v1/injuries"

func init() {
	_ = logger.Init()
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
}

func newClient(mt *httpmock.MockTransport, opts ...provider.Option) *provider.Client {
	base := []provider.Option{
		provider.WithHTTPClient(&http.Client{Transport: mt}),
		provider.WithRetryPolicy(fastPolicy()),
		provider.WithClock(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }),
	}
	return provider.New(rosterURL, append(base, opts...)...)
}

func TestFetchAll(t *testing.T) {
	ctx := context.Background()

	Convey("Given a provider returning a roster", t, func() {
		mt := httpmock.NewMockTransport()
		mt.RegisterResponder(http.MethodGet, rosterURL, httpmock.NewStringResponder(http.StatusOK, `{
			"players": [
				{"id": "7", "name": "Jay Doe", "team": "LAL", "rank": 12, "status": "Questionable", "note": "ankle"},
				{"personId": 2544, "name": "Nba Alias", "teamName": "BOS", "status": "OUT", "reason": "knee", "observed_at": "2024-03-01T10:00:00Z"},
				{"id": "9", "name": "Bad Status", "status": "retired"},
				{"name": "No Id", "status": "out"},
				{"id": "7", "name": "Jay Doe", "team": "LAL", "rank": 12, "status": "Out", "note": "ankle"}
			]
		}`))
		c := newClient(mt, provider.WithTopCutoff(10))

		Convey("When fetching", func() {
			res, err := c.FetchAll(ctx)

			Convey("Then valid rows become observations sorted by id", func() {
				So(err, ShouldBeNil)
				So(res.Attempts, ShouldEqual, 1)
				So(res.Rejected, ShouldEqual, 2)
				So(res.ReportHash, ShouldHaveLength, 64)
				So(res.Observations, ShouldHaveLength, 2)

				alias := res.Observations[0]
				So(alias.Entity.ID, ShouldEqual, "2544")
				So(alias.Entity.Team, ShouldEqual, "BOS")
				So(alias.Note, ShouldEqual, "knee")
				So(alias.Status, ShouldEqual, model.StatusOut)
				So(alias.ObservedAt, ShouldEqual, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
			})

			Convey("Then the last duplicate row wins and tier derives from rank", func() {
				seven := res.Observations[1]
				So(seven.Entity.ID, ShouldEqual, "7")
				So(seven.Status, ShouldEqual, model.StatusOut)
				So(seven.Entity.Tier, ShouldEqual, model.TierNotable)
				So(seven.ObservedAt, ShouldEqual, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
			})
		})
	})

	Convey("Given a provider that fails twice before answering", t, func() {
		mt := httpmock.NewMockTransport()
		calls := 0
		mt.RegisterResponder(http.MethodGet, rosterURL, func(*http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(http.StatusBadGateway, "upstream"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `[{"id":"1","status":"active"}]`), nil
		})
		c := newClient(mt)

		Convey("When fetching", func() {
			res, err := c.FetchAll(ctx)

			Convey("Then the third attempt succeeds", func() {
				So(err, ShouldBeNil)
				So(res.Attempts, ShouldEqual, 3)
				So(res.Observations, ShouldHaveLength, 1)
			})
		})
	})

	Convey("Given a provider that is always down", t, func() {
		mt := httpmock.NewMockTransport()
		mt.RegisterResponder(http.MethodGet, rosterURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))
		c := newClient(mt)

		Convey("When fetching", func() {
			_, err := c.FetchAll(ctx)

			Convey("Then retries stop at the policy bound with ProviderUnavailable", func() {
				So(errors.Is(err, provider.ErrProviderUnavailable), ShouldBeTrue)
				So(mt.GetTotalCallCount(), ShouldEqual, 3)
			})
		})
	})

	Convey("Given a transport error", t, func() {
		mt := httpmock.NewMockTransport()
		mt.RegisterResponder(http.MethodGet, rosterURL, httpmock.NewErrorResponder(errors.New("connection reset")))
		c := newClient(mt)

		Convey("Then it surfaces as ProviderUnavailable", func() {
			_, err := c.FetchAll(ctx)
			So(errors.Is(err, provider.ErrProviderUnavailable), ShouldBeTrue)
		})
	})

	Convey("Given a roster with one row of the wrong shape", t, func() {
		mt := httpmock.NewMockTransport()
		mt.RegisterResponder(http.MethodGet, rosterURL, httpmock.NewStringResponder(http.StatusOK, `[
			{"id": "7", "name": "Jay Doe", "rank": 12, "status": "out"},
			{"id": "8", "name": "Rank As Text", "rank": "12", "status": "out"}
		]`))
		c := newClient(mt)

		Convey("When fetching", func() {
			res, err := c.FetchAll(ctx)

			Convey("Then only that row is rejected", func() {
				So(err, ShouldBeNil)
				So(res.Rejected, ShouldEqual, 1)
				So(res.Observations, ShouldHaveLength, 1)
				So(res.Observations[0].Entity.ID, ShouldEqual, "7")
				So(mt.GetTotalCallCount(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a malformed response", t, func() {
		mt := httpmock.NewMockTransport()
		mt.RegisterResponder(http.MethodGet, rosterURL, httpmock.NewStringResponder(http.StatusOK, `{"report": "tbd"}`))
		c := newClient(mt)

		Convey("When fetching", func() {
			_, err := c.FetchAll(ctx)

			Convey("Then it fails without retrying", func() {
				So(errors.Is(err, provider.ErrProviderMalformed), ShouldBeTrue)
				So(mt.GetTotalCallCount(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a client error status", t, func() {
		mt := httpmock.NewMockTransport()
		mt.RegisterResponder(http.MethodGet, rosterURL, httpmock.NewStringResponder(http.StatusUnauthorized, ""))
		c := newClient(mt, provider.WithAPIKey("secret"))

		Convey("Then it is not retried", func() {
			_, err := c.FetchAll(ctx)
			So(errors.Is(err, provider.ErrProviderUnavailable), ShouldBeTrue)
			So(mt.GetTotalCallCount(), ShouldEqual, 1)
		})
	})

	Convey("Given a rate-limited provider with Retry-After", t, func() {
		mt := httpmock.NewMockTransport()
		calls := 0
		mt.RegisterResponder(http.MethodGet, rosterURL, func(*http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				resp := httpmock.NewStringResponse(http.StatusTooManyRequests, "")
				resp.Header.Set("Retry-After", "1")
				return resp, nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"data":[{"id":"1","status":"doubtful"}]}`), nil
		})
		c := newClient(mt)

		Convey("When fetching", func() {
			start := time.Now()
			res, err := c.FetchAll(ctx)

			Convey("Then the retry waits at least the requested time", func() {
				So(err, ShouldBeNil)
				So(res.Attempts, ShouldEqual, 2)
				So(time.Since(start), ShouldBeGreaterThanOrEqualTo, time.Second)
			})
		})
	})

	Convey("Given a cancelled context", t, func() {
		mt := httpmock.NewMockTransport()
		mt.RegisterResponder(http.MethodGet, rosterURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))
		c := newClient(mt, provider.WithRetryPolicy(retry.Policy{MaxAttempts: 10, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}))
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		Convey("Then the fetch gives up promptly as unavailable", func() {
			_, err := c.FetchAll(cctx)
			So(errors.Is(err, provider.ErrProviderUnavailable), ShouldBeTrue)
		})
	})
}
