package eta

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// service days run from 04:00 UTC to 04:00 UTC the next calendar day
const serviceDayStartHour = 4

// ParseTime converts a GTFS HH:MM:SS time into seconds after the service
// day's midnight. Hours of 24 and above belong to the following morning.
func ParseTime(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid gtfs time %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid gtfs time %q", s)
		}
		v[i] = n
	}
	if v[1] > 59 || v[2] > 59 {
		return 0, fmt.Errorf("invalid gtfs time %q", s)
	}
	return v[0]*3600 + v[1]*60 + v[2], nil
}

// ServiceDate returns UTC midnight of the service day now falls in. Before
// 04:00 that is the previous calendar day.
func ServiceDate(now time.Time) time.Time {
	now = now.UTC()
	if now.Hour() < serviceDayStartHour {
		now = now.AddDate(0, 0, -1)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// At is the instant secs after the service date's midnight.
func At(serviceDate time.Time, secs int) time.Time {
	return serviceDate.Add(time.Duration(secs) * time.Second)
}

// untilSeconds is whole seconds from now to t, floored at zero.
func untilSeconds(now, t time.Time) int {
	return max(0, int(t.Sub(now)/time.Second))
}
