package gtfs

// VehiclePosition is the latest known position of the vehicle serving a trip.
// Bearing and Speed are nil when the feed did not report them.
type VehiclePosition struct {
	TripID      string   `json:"trip_id"`
	RouteID     string   `json:"route_id"`
	DirectionID int      `json:"direction_id"`
	VehicleID   string   `json:"vehicle_id"`
	Timestamp   int64    `json:"timestamp"` // epoch seconds
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Bearing     *float64 `json:"bearing,omitempty"`
	Speed       *float64 `json:"speed,omitempty"` // m/s
}

// MapBounds is a rectangular viewport. South <= North and West <= East is
// the caller's responsibility.
type MapBounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

type Stop struct {
	StopID    string  `json:"stopId"`
	StopName  string  `json:"stopName"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	DistanceM float64 `json:"distanceM,omitempty"`
}

type Route struct {
	RouteID        string `json:"routeId"`
	RouteShortName string `json:"routeShortName"`
	RouteLongName  string `json:"routeLongName"`
}

// ScheduledArrival is one stop_times row joined to its trip and route.
// ArrivalTime is GTFS HH:MM:SS and may run past 24:00:00.
type ScheduledArrival struct {
	TripID         string
	RouteID        string
	RouteShortName string
	Headsign       string
	ArrivalTime    string
	StopSequence   int
}
