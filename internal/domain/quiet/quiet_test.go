package quiet_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/quiet"
	. "github.com/smartystreets/goconvey/convey"
)

func mustParse(q model.QuietHours) *quiet.Window {
	w, err := quiet.Parse(q)
	if err != nil {
		panic(err)
	}
	return w
}

func TestWindowSpanningMidnight(t *testing.T) {
	Convey("Given quiet hours 22:00-07:00 in UTC", t, func() {
		w := mustParse(model.QuietHours{Start: "22:00", End: "07:00", Timezone: "UTC"})

		Convey("When an event is detected at 23:30", func() {
			at := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)

			Convey("Then release is exactly 07:00 the next day", func() {
				So(w.Contains(at), ShouldBeTrue)
				So(w.ReleaseAt(at), ShouldEqual, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC))
			})
		})

		Convey("When an event is detected at 03:00", func() {
			at := time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)

			Convey("Then release is 07:00 the same day", func() {
				So(w.ReleaseAt(at), ShouldEqual, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC))
			})
		})

		Convey("When the window boundaries are checked", func() {
			Convey("Then start is inside and end is outside", func() {
				So(w.Contains(time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)), ShouldBeTrue)
				end := time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC)
				So(w.Contains(end), ShouldBeFalse)
				So(w.ReleaseAt(end), ShouldEqual, end)
				So(w.Contains(end.Add(-time.Second)), ShouldBeTrue)
			})
		})

		Convey("When an event is detected at noon", func() {
			at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

			Convey("Then delivery is immediate", func() {
				So(w.Contains(at), ShouldBeFalse)
				So(w.ReleaseAt(at), ShouldEqual, at)
			})
		})
	})
}

func TestWindowSameDay(t *testing.T) {
	Convey("Given quiet hours 13:00-15:30 in New York", t, func() {
		w := mustParse(model.QuietHours{Start: "13:00", End: "15:30", Timezone: "America/New_York"})
		ny := w.Location()

		Convey("Then a UTC instant inside the local window defers to the local end", func() {
			at := time.Date(2024, 7, 10, 14, 0, 0, 0, ny).UTC()
			So(w.Contains(at), ShouldBeTrue)
			So(w.ReleaseAt(at).Equal(time.Date(2024, 7, 10, 15, 30, 0, 0, ny)), ShouldBeTrue)
		})

		Convey("Then the window end itself is outside", func() {
			So(w.Contains(time.Date(2024, 7, 10, 15, 30, 0, 0, ny)), ShouldBeFalse)
		})
	})
}

func TestWindowParsing(t *testing.T) {
	Convey("Given malformed windows", t, func() {
		_, err := quiet.Parse(model.QuietHours{Start: "25:00", End: "07:00"})
		So(errors.Is(err, quiet.ErrInvalidWindow), ShouldBeTrue)

		_, err = quiet.Parse(model.QuietHours{Start: "22:00", End: "7"})
		So(errors.Is(err, quiet.ErrInvalidWindow), ShouldBeTrue)

		_, err = quiet.Parse(model.QuietHours{Start: "22:00", End: "07:00", Timezone: "Mars/Olympus"})
		So(errors.Is(err, quiet.ErrInvalidTimezone), ShouldBeTrue)
	})

	Convey("Given equal start and end", t, func() {
		w := mustParse(model.QuietHours{Start: "08:00", End: "08:00"})
		So(w.Enabled(), ShouldBeFalse)
		at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
		So(w.ReleaseAt(at), ShouldEqual, at)
		So(w.String(), ShouldEqual, "08:00-08:00 UTC")
	})
}
