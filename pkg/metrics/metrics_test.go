package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options on a fresh registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then it is created with the default refresh interval", func() {
				So(manager, ShouldNotBeNil)
				So(manager.RefreshInterval(), ShouldEqual, defaultRefreshInterval)
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10}),
				WithRefreshInterval(3*time.Second),
				WithConstLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)
			manager.changeEvents.WithLabelValues("status_downgrade").Inc()

			Convey("Then metric names carry the namespace and labels", func() {
				So(manager.RefreshInterval(), ShouldEqual, 3*time.Second)
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				found := false
				for _, f := range families {
					if f.GetName() == "test_unit_change_events_total" {
						found = true
						So(f.GetMetric()[0].GetLabel(), ShouldHaveLength, 2)
					}
				}
				So(found, ShouldBeTrue)
			})
		})
	})
}

func TestGlobalRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording domain metrics", func() {
			before := testutil.ToFloat64(globalManager.intentsTerminal.WithLabelValues("email", "delivered"))
			RecordIntentTerminal("email", "delivered")
			RecordFetchCycle("success")
			RecordFetchAttempt("ok")
			RecordFetchDuration(12)
			RecordRecordRejected("unknown_status")
			RecordChangeEvent("status_upgrade")
			RecordSnapshotConflict()
			RecordPreferenceError("invalid_timezone")
			RecordSendAttempt("push", "transient")
			RecordSendLatency("push", 3)
			RecordDuplicateSuppressed("inapp")
			UpdateScheduledIntents(2)
			UpdateQueueSize(4)
			UpdateFeedClients(1)
			UpdateLastSuccess(time.Unix(100, 0))

			Convey("Then counters and gauges move", func() {
				So(testutil.ToFloat64(globalManager.intentsTerminal.WithLabelValues("email", "delivered")), ShouldEqual, before+1)
				So(testutil.ToFloat64(globalManager.scheduledIntents), ShouldEqual, 2)
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 4)
				So(testutil.ToFloat64(globalManager.lastSuccessUnix), ShouldEqual, 100)
			})
		})

		Convey("Then the custom registry is exposed", func() {
			So(GetRegistry(), ShouldNotBeNil)
			So(GetRegistry(), ShouldEqual, customRegistry)
		})
	})
}

func TestConfigure(t *testing.T) {
	Convey("Given the global metrics configured with a namespace and labels", t, func() {
		Configure(
			WithNamespace("nflwatch"),
			WithConstLabels(map[string]string{"deployment": "staging"}),
			WithRefreshInterval(2*time.Second),
		)
		Reset(func() { Configure() })

		Convey("When a change event is recorded", func() {
			RecordChangeEvent("upgrade")

			Convey("Then it is exported under the new name with the labels", func() {
				families, err := GetRegistry().Gather()
				So(err, ShouldBeNil)

				var found bool
				for _, mf := range families {
					if mf.GetName() != "nflwatch_engine_change_events_total" {
						continue
					}
					found = true
					labels := map[string]string{}
					for _, lp := range mf.GetMetric()[0].GetLabel() {
						labels[lp.GetName()] = lp.GetValue()
					}
					So(labels["deployment"], ShouldEqual, "staging")
					So(labels["class"], ShouldEqual, "upgrade")
				}
				So(found, ShouldBeTrue)
				So(RefreshInterval(), ShouldEqual, 2*time.Second)
			})
		})
	})
}
