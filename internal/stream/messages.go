package stream

import (
	"encoding/json"
	"time"

	"gtfs-livemap/internal/gtfs"
)

// Message types of the streaming protocol.
const (
	TypeConnected       = "connected"
	TypeBoundsSet       = "bounds_set"
	TypeVehicleUpdates  = "vehicle_updates"
	TypePong            = "pong"
	TypeSubscribeBounds = "subscribe_bounds"
	TypePing            = "ping"
)

type ConnectedMessage struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	VehicleCount int    `json:"vehicle_count"`
}

type BoundsSetMessage struct {
	Type         string         `json:"type"`
	Bounds       gtfs.MapBounds `json:"bounds"`
	VehicleCount int            `json:"vehicle_count"`
}

type VehicleUpdatesMessage struct {
	Type     string                 `json:"type"`
	TS       string                 `json:"ts"`
	Vehicles []gtfs.VehiclePosition `json:"vehicles"`
}

type PongMessage struct {
	Type string `json:"type"`
}

// VehicleUpdates builds a vehicle_updates message stamped with ts in UTC.
func VehicleUpdates(ts time.Time, vehicles []gtfs.VehiclePosition) VehicleUpdatesMessage {
	return VehicleUpdatesMessage{
		Type:     TypeVehicleUpdates,
		TS:       ts.UTC().Format(time.RFC3339Nano),
		Vehicles: vehicles,
	}
}

type inboundMessage struct {
	Type   string          `json:"type"`
	Bounds json.RawMessage `json:"bounds"`
}

type inboundBounds struct {
	North *float64 `json:"north"`
	South *float64 `json:"south"`
	East  *float64 `json:"east"`
	West  *float64 `json:"west"`
}

// parseBounds requires all four keys.
func parseBounds(raw json.RawMessage) (gtfs.MapBounds, bool) {
	if len(raw) == 0 {
		return gtfs.MapBounds{}, false
	}
	var ib inboundBounds
	if err := json.Unmarshal(raw, &ib); err != nil {
		return gtfs.MapBounds{}, false
	}
	if ib.North == nil || ib.South == nil || ib.East == nil || ib.West == nil {
		return gtfs.MapBounds{}, false
	}
	return gtfs.MapBounds{North: *ib.North, South: *ib.South, East: *ib.East, West: *ib.West}, true
}
