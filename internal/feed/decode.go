package feed

import (
	"fmt"
	"math"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"gtfs-livemap/internal/gtfs"
)

// Decode parses a GTFS-RT FeedMessage and returns its usable vehicle
// positions. now supplies the timestamp for entities that omit one.
//
// Entities are dropped silently when they carry no vehicle position, have no
// trip id, report a NaN or infinite coordinate, or report latitude and
// longitude both exactly zero (no fix). A NaN or infinite bearing or speed is
// treated as absent.
func Decode(data []byte, now time.Time) ([]gtfs.VehiclePosition, error) {
	msg := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	out := make([]gtfs.VehiclePosition, 0, len(msg.GetEntity()))
	for _, ent := range msg.GetEntity() {
		if p, ok := decodeEntity(ent, now); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func decodeEntity(ent *gtfsrt.FeedEntity, now time.Time) (gtfs.VehiclePosition, bool) {
	vp := ent.GetVehicle()
	if vp == nil {
		return gtfs.VehiclePosition{}, false
	}

	tripID := vp.GetTrip().GetTripId()
	if tripID == "" {
		return gtfs.VehiclePosition{}, false
	}

	pos := vp.GetPosition()
	lat := float64(pos.GetLatitude())
	lon := float64(pos.GetLongitude())
	if !finite(lat) || !finite(lon) || (lat == 0 && lon == 0) {
		return gtfs.VehiclePosition{}, false
	}

	vehicleID := vp.GetVehicle().GetId()
	if vehicleID == "" {
		vehicleID = vp.GetVehicle().GetLabel()
	}

	ts := int64(vp.GetTimestamp())
	if ts == 0 {
		ts = now.Unix()
	}

	p := gtfs.VehiclePosition{
		TripID:      tripID,
		RouteID:     vp.GetTrip().GetRouteId(),
		DirectionID: int(vp.GetTrip().GetDirectionId()),
		VehicleID:   vehicleID,
		Timestamp:   ts,
		Latitude:    lat,
		Longitude:   lon,
	}
	// presence, not value: a bearing of 0 (due north) or speed of 0 is real data
	if pos.Bearing != nil && finite(float64(pos.GetBearing())) {
		b := float64(pos.GetBearing())
		p.Bearing = &b
	}
	if pos.Speed != nil && finite(float64(pos.GetSpeed())) {
		s := float64(pos.GetSpeed())
		p.Speed = &s
	}
	return p, true
}

// finite rejects values encoding/json cannot represent.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
