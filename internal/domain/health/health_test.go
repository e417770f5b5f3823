package health

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestTracker(t *testing.T) {
	convey.Convey("Given a fresh tracker", t, func() {
		tr := NewTracker(2)
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		convey.So(tr.Healthy(), convey.ShouldBeTrue)
		convey.So(tr.Status().LastOutcome, convey.ShouldEqual, OutcomeUnknown)

		convey.Convey("When a cycle succeeds", func() {
			tr.RecordCycle(Cycle{Outcome: OutcomeSuccess, At: at, Fetched: 40, Rejected: 1, Events: 3})
			st := tr.Status()

			convey.So(st.Healthy, convey.ShouldBeTrue)
			convey.So(st.LastSuccessAt, convey.ShouldEqual, at)
			convey.So(st.RecordsFetched, convey.ShouldEqual, 40)
			convey.So(st.RecordsRejected, convey.ShouldEqual, 1)
			convey.So(st.EventsEmitted, convey.ShouldEqual, 3)
			convey.So(st.Cycles[OutcomeSuccess], convey.ShouldEqual, 1)
		})

		convey.Convey("When a cycle fails outright", func() {
			tr.RecordCycle(Cycle{Outcome: OutcomeFailed, At: at, Err: errors.New("store closed")})

			convey.So(tr.Healthy(), convey.ShouldBeFalse)
			convey.So(tr.Status().LastError, convey.ShouldEqual, "store closed")

			convey.Convey("And the next one succeeds", func() {
				tr.RecordCycle(Cycle{Outcome: OutcomeSuccess, At: at.Add(time.Hour)})
				convey.So(tr.Healthy(), convey.ShouldBeTrue)
				convey.So(tr.Status().ConsecutiveFailures, convey.ShouldEqual, 0)
				convey.So(tr.Status().LastError, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When cycles keep degrading", func() {
			tr.RecordCycle(Cycle{Outcome: OutcomeDegraded, At: at})
			convey.So(tr.Healthy(), convey.ShouldBeTrue)
			tr.RecordCycle(Cycle{Outcome: OutcomeDegraded, At: at.Add(time.Hour)})
			convey.So(tr.Healthy(), convey.ShouldBeFalse)
			convey.So(tr.Status().ConsecutiveFailures, convey.ShouldEqual, 2)
		})

		convey.Convey("When intents finish", func() {
			tr.RecordIntent(model.ChannelEmail, model.IntentDelivered)
			tr.RecordIntent(model.ChannelEmail, model.IntentFailed)
			tr.RecordIntent(model.ChannelPush, model.IntentFailed)

			convey.So(tr.FailedDeliveries(), convey.ShouldEqual, 2)
			st := tr.Status()
			convey.So(st.Intents[model.ChannelEmail][model.IntentDelivered], convey.ShouldEqual, 1)

			st.Intents[model.ChannelEmail][model.IntentDelivered] = 99
			convey.So(tr.Status().Intents[model.ChannelEmail][model.IntentDelivered], convey.ShouldEqual, 1)
		})
	})
}
