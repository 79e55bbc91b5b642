package harvest

import (
	"math"
	"strconv"
	"time"
)

// DateLayout is the OAI-PMH day-granularity datestamp format.
const DateLayout = "2006-01-02"

// Window is the (from, until) datestamp pair bounding a harvest query.
type Window struct {
	From  string `json:"from"`
	Until string `json:"until"`
}

// DateRange returns the window ending at now and starting years*365 days
// earlier. Leap days are not accounted for. The start must fall on or after
// year 1 so both ends stay valid YYYY-MM-DD dates.
func DateRange(years int, now time.Time) (Window, error) {
	if years <= 0 {
		return Window{}, NewArgError("years", strconv.Itoa(years), "must be positive")
	}
	if years > math.MaxInt/365 {
		return Window{}, NewArgError("years", strconv.Itoa(years), "reaches before year 1")
	}
	from := now.AddDate(0, 0, -years*365)
	if from.Year() < 1 || !from.Before(now) {
		return Window{}, NewArgError("years", strconv.Itoa(years), "reaches before year 1")
	}
	return Window{From: from.Format(DateLayout), Until: now.Format(DateLayout)}, nil
}
