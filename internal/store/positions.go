package store

import (
	"sync"

	"gtfs-livemap/internal/gtfs"
)

// Positions holds the latest position per trip. Entries are never evicted:
// a trip that drops out of the feed keeps its last position until the feed
// reports it again, and readers judge staleness from Timestamp.
type Positions struct {
	mu     sync.RWMutex
	byTrip map[string]gtfs.VehiclePosition
}

func NewPositions() *Positions {
	return &Positions{byTrip: make(map[string]gtfs.VehiclePosition)}
}

// UpsertBatch sets the entry for every trip in batch. Later entries for the
// same trip win. Trips absent from batch are left untouched.
func (s *Positions) UpsertBatch(batch []gtfs.VehiclePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range batch {
		if p.TripID == "" {
			continue
		}
		s.byTrip[p.TripID] = p
	}
}

// All returns a copy of every stored position in no particular order.
func (s *Positions) All() []gtfs.VehiclePosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gtfs.VehiclePosition, 0, len(s.byTrip))
	for _, p := range s.byTrip {
		out = append(out, p)
	}
	return out
}

// InBounds returns a copy of the stored positions inside b.
func (s *Positions) InBounds(b gtfs.MapBounds) []gtfs.VehiclePosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gtfs.VehiclePosition, 0)
	for _, p := range s.byTrip {
		if b.Contains(p.Latitude, p.Longitude) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Positions) Get(tripID string) (gtfs.VehiclePosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byTrip[tripID]
	return p, ok
}

// ByVehicle returns the most recent position reported by vehicleID across
// all trips it has served.
func (s *Positions) ByVehicle(vehicleID string) (gtfs.VehiclePosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  gtfs.VehiclePosition
		found bool
	)
	for _, p := range s.byTrip {
		if p.VehicleID != vehicleID {
			continue
		}
		if !found || p.Timestamp > best.Timestamp {
			best, found = p, true
		}
	}
	return best, found
}

func (s *Positions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTrip)
}
