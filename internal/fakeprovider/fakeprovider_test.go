package fakeprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/statuswatch/internal/adapters/provider"
	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/retry"
	"github.com/okian/statuswatch/pkg/logger"
)

func TestRoster(t *testing.T) {
	Convey("Given a seeded roster", t, func() {
		r := NewRoster(20, nil)
		players, v := r.Snapshot()
		So(players, ShouldHaveLength, 20)
		So(v, ShouldEqual, 0)
		So(players[0].ID, ShouldEqual, "p-0001")

		Convey("Step changes exactly k players", func() {
			before := map[string]string{}
			for _, p := range players {
				before[p.ID] = p.Status
			}
			changed := r.Step(4)
			So(changed, ShouldHaveLength, 4)

			after, v := r.Snapshot()
			So(v, ShouldEqual, 1)
			diff := 0
			for _, p := range after {
				if before[p.ID] != p.Status {
					diff++
				}
			}
			So(diff, ShouldEqual, 4)
		})

		Convey("Step never touches more players than exist", func() {
			So(r.Step(50), ShouldHaveLength, 20)
		})

		Convey("Set forces a status", func() {
			So(r.Set("p-0002", "out", "knee"), ShouldBeTrue)
			So(r.Set("missing", "out", ""), ShouldBeFalse)
			players, _ := r.Snapshot()
			So(players[1].Status, ShouldEqual, "out")
		})
	})
}

func TestServerWithProviderClient(t *testing.T) {
	_ = logger.Init()

	Convey("Given a fake provider behind httptest", t, func() {
		roster := NewRoster(12, nil)
		s := NewServer(roster, WithChangesPerStep(2), WithFailEvery(2), WithLogger(logger.Discard()))
		srv := httptest.NewServer(s.Routes())
		defer srv.Close()

		client := provider.New(srv.URL+"/roster",
			provider.WithRetryPolicy(retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1}),
			provider.WithLogger(logger.Discard()),
		)

		Convey("The client decodes every player", func() {
			res, err := client.FetchAll(context.Background())
			So(err, ShouldBeNil)
			So(res.Observations, ShouldHaveLength, 12)
			So(res.Rejected, ShouldEqual, 0)
		})

		Convey("Injected failures are retried", func() {
			_, err := client.FetchAll(context.Background())
			So(err, ShouldBeNil)
			res, err := client.FetchAll(context.Background())
			So(err, ShouldBeNil)
			So(res.Attempts, ShouldEqual, 2)
		})

		Convey("A forced status is observed", func() {
			resp, err := http.Post(srv.URL+"/players/p-0003", "application/json", strings.NewReader(`{"status":"out","note":"ankle"}`))
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusNoContent)

			res, err := client.FetchAll(context.Background())
			So(err, ShouldBeNil)
			for _, o := range res.Observations {
				if o.Entity.ID == "p-0003" {
					So(o.Status, ShouldEqual, model.StatusOut)
					So(o.Note, ShouldEqual, "ankle")
				}
			}
		})

		Convey("Step rejects a bad count", func() {
			resp, err := http.Post(srv.URL+"/step?count=zero", "application/json", http.NoBody)
			So(err, ShouldBeNil)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})
	})
}
