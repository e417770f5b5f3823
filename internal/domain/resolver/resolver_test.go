package resolver

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type fakeSource struct {
	subs    map[string][]model.Subscription
	failing map[string]bool
	reverse bool
}

func (f *fakeSource) ListSubscriptions(_ context.Context, scope model.Scope) ([]model.Subscription, error) {
	if f.failing[scope.Key()] {
		return nil, errors.New("connection refused")
	}
	out := slices.Clone(f.subs[scope.Key()])
	if f.reverse {
		slices.Reverse(out)
	}
	return out, nil
}

func sub(id, user string, scope model.Scope, channels ...model.Channel) model.Subscription {
	return model.Subscription{ID: id, UserID: user, Scope: scope, Preferences: model.Preferences{Channels: channels}}
}

func event(tier model.Tier) model.ChangeEvent {
	return model.ChangeEvent{
		ID:        "ev-1",
		Entity:    model.TrackedEntity{ID: "7", Name: "Jay Doe", Team: "LAL", Tier: tier},
		NewStatus: model.StatusOut,
		Class:     model.ClassDowngrade,
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	noon := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	Convey("Given entity and team subscriptions", t, func() {
		src := &fakeSource{subs: map[string][]model.Subscription{
			"entity:7": {
				sub("s1", "bob", model.EntityScope("7"), model.ChannelPush, model.ChannelEmail),
				sub("s2", "alice", model.EntityScope("7"), model.ChannelInApp),
			},
			"team:LAL": {
				sub("s3", "alice", model.TeamScope("LAL"), model.ChannelEmail),
				sub("s4", "carol", model.TeamScope("LAL"), model.ChannelPush),
			},
		}}
		r := New(src, WithLogger(logger.Discard()))

		Convey("When resolving", func() {
			got, err := r.Resolve(ctx, event(model.TierTop), noon)

			Convey("Then recipients are merged per user and sorted", func() {
				So(err, ShouldBeNil)
				So(got, ShouldResemble, []Recipient{
					{UserID: "alice", Channels: []model.Channel{model.ChannelEmail, model.ChannelInApp}},
					{UserID: "bob", Channels: []model.Channel{model.ChannelEmail, model.ChannelPush}},
					{UserID: "carol", Channels: []model.Channel{model.ChannelPush}},
				})
			})
		})

		Convey("When the store returns subscriptions in another order", func() {
			first, err := r.Resolve(ctx, event(model.TierTop), noon)
			So(err, ShouldBeNil)
			src.reverse = true
			second, err := r.Resolve(ctx, event(model.TierTop), noon)

			Convey("Then the output is identical", func() {
				So(err, ShouldBeNil)
				So(second, ShouldResemble, first)
			})
		})

		Convey("When the team lookup fails", func() {
			src.failing = map[string]bool{"team:LAL": true}
			got, err := r.Resolve(ctx, event(model.TierTop), noon)

			Convey("Then entity subscribers still resolve", func() {
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 2)
			})
		})

		Convey("When every lookup fails", func() {
			src.failing = map[string]bool{"team:LAL": true, "entity:7": true}
			_, err := r.Resolve(ctx, event(model.TierTop), noon)

			Convey("Then the resolver reports the store as unavailable", func() {
				So(errors.Is(err, ErrSubscriptionsUnavailable), ShouldBeTrue)
			})
		})
	})

	Convey("Given tier filters", t, func() {
		minNotable := sub("s1", "min", model.EntityScope("7"), model.ChannelEmail)
		minNotable.Preferences.MinTier = model.TierNotable
		topOnly := sub("s2", "top", model.EntityScope("7"), model.ChannelEmail)
		topOnly.Preferences.TopOnly = true
		everyone := sub("s3", "all", model.EntityScope("7"), model.ChannelEmail)
		r := New(&fakeSource{subs: map[string][]model.Subscription{"entity:7": {minNotable, topOnly, everyone}}}, WithLogger(logger.Discard()))

		users := func(tier model.Tier) []string {
			got, err := r.Resolve(ctx, event(tier), noon)
			So(err, ShouldBeNil)
			var ids []string
			for _, rc := range got {
				ids = append(ids, rc.UserID)
			}
			return ids
		}

		So(users(model.TierOrdinary), ShouldResemble, []string{"all"})
		So(users(model.TierNotable), ShouldResemble, []string{"all", "min"})
		So(users(model.TierTop), ShouldResemble, []string{"all", "min", "top"})
	})

	Convey("Given a subscription with overnight quiet hours", t, func() {
		night := sub("s1", "bob", model.EntityScope("7"), model.ChannelEmail, model.ChannelPush)
		night.Preferences.QuietHours = &model.QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"}
		src := &fakeSource{subs: map[string][]model.Subscription{"entity:7": {night}}}
		r := New(src, WithLogger(logger.Discard()))

		Convey("When an event arrives inside the window", func() {
			got, err := r.Resolve(ctx, event(model.TierTop), time.Date(2024, 3, 1, 23, 15, 0, 0, time.UTC))

			Convey("Then delivery defers to exactly the window end", func() {
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 1)
				So(got[0].Deferred(), ShouldBeTrue)
				So(got[0].DeferredUntil, ShouldEqual, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC))
				So(got[0].Channels, ShouldResemble, []model.Channel{model.ChannelEmail, model.ChannelPush})
			})
		})

		Convey("When an event arrives outside the window", func() {
			got, err := r.Resolve(ctx, event(model.TierTop), noon)

			Convey("Then delivery is immediate", func() {
				So(err, ShouldBeNil)
				So(got[0].Deferred(), ShouldBeFalse)
			})
		})

		Convey("When a second subscription without quiet hours shares a channel", func() {
			src.subs["team:LAL"] = []model.Subscription{sub("s2", "bob", model.TeamScope("LAL"), model.ChannelPush)}
			got, err := r.Resolve(ctx, event(model.TierTop), time.Date(2024, 3, 1, 23, 15, 0, 0, time.UTC))

			Convey("Then that channel goes now and the rest waits", func() {
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 2)
				So(got[0].Deferred(), ShouldBeFalse)
				So(got[0].Channels, ShouldResemble, []model.Channel{model.ChannelPush})
				So(got[1].Channels, ShouldResemble, []model.Channel{model.ChannelEmail})
				So(got[1].DeferredUntil, ShouldEqual, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC))
			})
		})
	})

	Convey("Given broken subscriptions next to a good one", t, func() {
		noChannels := sub("bad1", "x", model.EntityScope("7"))
		unknown := sub("bad2", "y", model.EntityScope("7"), model.Channel("pager"))
		badTZ := sub("bad3", "z", model.EntityScope("7"), model.ChannelEmail)
		badTZ.Preferences.QuietHours = &model.QuietHours{Start: "22:00", End: "07:00", Timezone: "Mars/Olympus"}
		good := sub("ok", "w", model.EntityScope("7"), model.ChannelInApp)
		r := New(&fakeSource{subs: map[string][]model.Subscription{"entity:7": {noChannels, unknown, badTZ, good}}}, WithLogger(logger.Discard()))

		Convey("Then only the broken ones are skipped", func() {
			got, err := r.Resolve(ctx, event(model.TierTop), noon)
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 1)
			So(got[0].UserID, ShouldEqual, "w")
		})

		Convey("Then evaluation errors are preference resolution errors", func() {
			_, _, err := evaluate(badTZ, noon)
			So(errors.Is(err, ErrPreferenceResolution), ShouldBeTrue)
			var pre *PreferenceResolutionError
			So(errors.As(err, &pre), ShouldBeTrue)
			So(pre.Reason, ShouldEqual, "bad_timezone")
		})
	})
}
