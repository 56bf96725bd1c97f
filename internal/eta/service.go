package eta

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"gtfs-livemap/internal/gtfs"
)

const (
	SourceSchedule = "schedule"
	SourceModel    = "model"

	// a live position older than this is not attached to an arrival
	arrivalLiveWindow = 30 * time.Minute
	// a vehicle older than this has no ETA
	etaLiveWindow = 5 * time.Minute
	// arrivals stay listed this long after their scheduled time
	passedGrace = 60
)

// ErrNotFound means the vehicle is not active or the stop is not on its trip.
var ErrNotFound = errors.New("vehicle not active or stop not on its trip")

// Schedule reads the static timetable.
type Schedule interface {
	StopSchedule(ctx context.Context, stopID string) ([]gtfs.ScheduledArrival, error)
	TripStopArrival(ctx context.Context, tripID, stopID string) (gtfs.ScheduledArrival, bool, error)
}

// Vehicles is the read side of the live position store.
type Vehicles interface {
	Get(tripID string) (gtfs.VehiclePosition, bool)
	ByVehicle(vehicleID string) (gtfs.VehiclePosition, bool)
}

type Predictor interface {
	Predict(ctx context.Context, f Features) (Prediction, error)
}

type Arrival struct {
	RouteID        string   `json:"routeId"`
	RouteShortName string   `json:"routeShortName"`
	Headsign       *string  `json:"headsign"`
	TripID         string   `json:"tripId"`
	VehicleID      *string  `json:"vehicleId"`
	ETASeconds     int      `json:"etaSeconds"`
	ETAUTC         string   `json:"etaUtc"`
	Source         string   `json:"source"`
	LastUpdateAgeS *int     `json:"lastUpdateAgeS"`
	Lat            *float64 `json:"lat"`
	Lon            *float64 `json:"lon"`
	Bearing        *float64 `json:"bearing"`
	Speed          *float64 `json:"speed"`
}

type Estimate struct {
	StopID          string  `json:"stopId"`
	RouteID         string  `json:"routeId"`
	VehicleID       string  `json:"vehicleId"`
	PredictedDelayS int     `json:"predictedDelayS"`
	ETASeconds      int     `json:"etaSeconds"`
	ETAUTC          string  `json:"etaUtc"`
	Source          string  `json:"source"`
	ModelVersion    *string `json:"modelVersion"`
}

// Service combines the timetable with live positions. The predictor is
// optional; without one every estimate comes from the schedule.
type Service struct {
	schedule Schedule
	vehicles Vehicles
	model    Predictor
	now      func() time.Time
}

func NewService(schedule Schedule, vehicles Vehicles, model Predictor) *Service {
	return &Service{
		schedule: schedule,
		vehicles: vehicles,
		model:    model,
		now:      time.Now,
	}
}

type timedArrival struct {
	row  gtfs.ScheduledArrival
	secs int
}

// Arrivals lists up to limit upcoming scheduled arrivals at a stop in time
// order. An arrival whose trip has a position from the last 30 minutes
// carries that vehicle and its fix.
func (s *Service) Arrivals(ctx context.Context, stopID string, limit int) ([]Arrival, error) {
	rows, err := s.schedule.StopSchedule(ctx, stopID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	day := ServiceDate(now)
	current := int(now.Sub(day) / time.Second)

	timed := make([]timedArrival, 0, len(rows))
	for _, r := range rows {
		secs, err := ParseTime(r.ArrivalTime)
		if err != nil {
			log.Printf("arrivals: skipping trip %s: %v", r.TripID, err)
			continue
		}
		timed = append(timed, timedArrival{row: r, secs: secs})
	}
	sort.SliceStable(timed, func(i, j int) bool { return timed[i].secs < timed[j].secs })

	out := []Arrival{}
	for _, t := range timed {
		if len(out) >= limit {
			break
		}
		if t.secs < current-passedGrace {
			continue
		}
		at := At(day, t.secs)
		a := Arrival{
			RouteID:        t.row.RouteID,
			RouteShortName: t.row.RouteShortName,
			TripID:         t.row.TripID,
			ETASeconds:     untilSeconds(now, at),
			ETAUTC:         at.Format(time.RFC3339),
			Source:         SourceSchedule,
		}
		if t.row.Headsign != "" {
			h := t.row.Headsign
			a.Headsign = &h
		}
		if v, ok := s.vehicles.Get(t.row.TripID); ok {
			if age := now.Sub(time.Unix(v.Timestamp, 0)); age < arrivalLiveWindow {
				attachVehicle(&a, v, age)
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func attachVehicle(a *Arrival, v gtfs.VehiclePosition, age time.Duration) {
	id, lat, lon := v.VehicleID, v.Latitude, v.Longitude
	ageS := max(0, int(age/time.Second))
	a.VehicleID = &id
	a.Lat = &lat
	a.Lon = &lon
	a.Bearing = v.Bearing
	a.Speed = v.Speed
	a.LastUpdateAgeS = &ageS
}

// ETA estimates when a vehicle reaches a stop on its current trip. The model's
// predicted delay is used when it answers; otherwise the schedule stands.
func (s *Service) ETA(ctx context.Context, stopID, vehicleID string) (Estimate, error) {
	now := s.now().UTC()

	v, ok := s.vehicles.ByVehicle(vehicleID)
	if !ok || now.Sub(time.Unix(v.Timestamp, 0)) >= etaLiveWindow {
		return Estimate{}, ErrNotFound
	}
	row, ok, err := s.schedule.TripStopArrival(ctx, v.TripID, stopID)
	if err != nil {
		return Estimate{}, err
	}
	if !ok {
		return Estimate{}, ErrNotFound
	}
	secs, err := ParseTime(row.ArrivalTime)
	if err != nil {
		return Estimate{}, err
	}
	scheduled := At(ServiceDate(now), secs)

	est := Estimate{
		StopID:    stopID,
		RouteID:   v.RouteID,
		VehicleID: vehicleID,
		Source:    SourceSchedule,
	}
	if est.RouteID == "" {
		est.RouteID = row.RouteID
	}

	if s.model != nil {
		p, err := s.model.Predict(ctx, featuresFor(v, row, stopID))
		if err != nil {
			log.Printf("model prediction failed, using schedule: %v", err)
		} else {
			est.PredictedDelayS = p.DelayS
			est.Source = SourceModel
			if p.ModelVersion != "" {
				mv := p.ModelVersion
				est.ModelVersion = &mv
			}
		}
	}

	at := scheduled.Add(time.Duration(est.PredictedDelayS) * time.Second)
	est.ETASeconds = untilSeconds(now, at)
	est.ETAUTC = at.Format(time.RFC3339)
	return est, nil
}

func featuresFor(v gtfs.VehiclePosition, row gtfs.ScheduledArrival, stopID string) Features {
	routeID := v.RouteID
	if routeID == "" {
		routeID = row.RouteID
	}
	return Features{
		TripID:           v.TripID,
		RouteID:          routeID,
		VehicleID:        v.VehicleID,
		StopID:           stopID,
		StopSequence:     row.StopSequence,
		Latitude:         v.Latitude,
		Longitude:        v.Longitude,
		Speed:            v.Speed,
		Bearing:          v.Bearing,
		VehicleTimestamp: time.Unix(v.Timestamp, 0).UTC().Format(time.RFC3339),
	}
}
