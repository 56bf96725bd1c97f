package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"gtfs-livemap/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Lookup answers stop and route queries against an imported static GTFS
// schema. Stops may carry stop_lat/stop_lon columns or a PostGIS stop_loc
// geography; the layout is detected on first use.
type Lookup struct {
	db *sql.DB

	mu     sync.Mutex
	coords *coordExprs // nil until detected
}

type coordExprs struct{ lat, lon string }

var (
	latLonCols = coordExprs{lat: "stop_lat", lon: "stop_lon"}
	locCols    = coordExprs{lat: "ST_Y(stop_loc::geometry)", lon: "ST_X(stop_loc::geometry)"}
)

func NewLookup(db *sql.DB) *Lookup {
	return &Lookup{db: db}
}

func (l *Lookup) Ping(ctx context.Context) error { return Ping(ctx, l.db) }

func (l *Lookup) stopCoords(ctx context.Context) (coordExprs, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.coords != nil {
		return *l.coords, nil
	}
	cols, err := hasColumns(ctx, l.db, "public", "stops", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return coordExprs{}, fmt.Errorf("introspect stops columns: %w", err)
	}
	var c coordExprs
	switch {
	case cols["stop_lat"] && cols["stop_lon"]:
		c = latLonCols
	case cols["stop_loc"]:
		c = locCols
	default:
		return coordExprs{}, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
	}
	l.coords = &c
	return c, nil
}

// NearbyStops returns up to limit stops within radiusM metres of lat/lon,
// nearest first, with distances rounded to 0.1 m.
func (l *Lookup) NearbyStops(ctx context.Context, lat, lon, radiusM float64, limit int) ([]gtfs.Stop, error) {
	coords, err := l.stopCoords(ctx)
	if err != nil {
		return nil, err
	}
	box := searchBox(lat, lon, radiusM)

	q := fmt.Sprintf(`SELECT stop_id, COALESCE(stop_name, ''), %[1]s, %[2]s
FROM stops
WHERE %[1]s BETWEEN $1 AND $2
  AND %[2]s BETWEEN $3 AND $4`, coords.lat, coords.lon)
	rows, err := l.db.QueryContext(ctx, q, box.South, box.North, box.West, box.East)
	if err != nil {
		return nil, fmt.Errorf("query nearby stops: %w", err)
	}
	defer rows.Close()

	var candidates []gtfs.Stop
	for rows.Next() {
		var s gtfs.Stop
		if err := rows.Scan(&s.StopID, &s.StopName, &s.Lat, &s.Lon); err != nil {
			return nil, err
		}
		candidates = append(candidates, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nearest(candidates, lat, lon, radiusM, limit), nil
}

// SearchStops matches q case-insensitively against stop name or code. Names
// starting with q sort first, then alphabetically.
func (l *Lookup) SearchStops(ctx context.Context, query string, limit int) ([]gtfs.Stop, error) {
	coords, err := l.stopCoords(ctx)
	if err != nil {
		return nil, err
	}
	pat := escapeLike(query)

	q := fmt.Sprintf(`SELECT stop_id, COALESCE(stop_name, ''), %s, %s
FROM stops
WHERE stop_name ILIKE $1 OR stop_code ILIKE $1
ORDER BY CASE WHEN stop_name ILIKE $2 THEN 0 ELSE 1 END, stop_name
LIMIT $3`, coords.lat, coords.lon)
	rows, err := l.db.QueryContext(ctx, q, "%"+pat+"%", pat+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("query stop search: %w", err)
	}
	defer rows.Close()

	stops := []gtfs.Stop{}
	for rows.Next() {
		var s gtfs.Stop
		if err := rows.Scan(&s.StopID, &s.StopName, &s.Lat, &s.Lon); err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

func (l *Lookup) Routes(ctx context.Context) ([]gtfs.Route, error) {
	q := `SELECT route_id, COALESCE(route_short_name, ''), COALESCE(route_long_name, '')
FROM routes
ORDER BY route_short_name`
	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	routes := []gtfs.Route{}
	for rows.Next() {
		var r gtfs.Route
		if err := rows.Scan(&r.RouteID, &r.RouteShortName, &r.RouteLongName); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

const scheduleSelect = `SELECT st.trip_id, t.route_id, COALESCE(r.route_short_name, ''),
       COALESCE(t.trip_headsign, ''), st.arrival_time::text, st.stop_sequence
FROM stop_times st
JOIN trips t ON t.trip_id = st.trip_id
JOIN routes r ON r.route_id = t.route_id
`

// StopSchedule returns every timed stop_times row for a stop. Rows come back
// unordered; arrival times are strings that may run past 24:00:00.
func (l *Lookup) StopSchedule(ctx context.Context, stopID string) ([]gtfs.ScheduledArrival, error) {
	rows, err := l.db.QueryContext(ctx, scheduleSelect+`WHERE st.stop_id = $1 AND st.arrival_time IS NOT NULL`, stopID)
	if err != nil {
		return nil, fmt.Errorf("query stop schedule: %w", err)
	}
	defer rows.Close()

	var out []gtfs.ScheduledArrival
	for rows.Next() {
		var a gtfs.ScheduledArrival
		if err := rows.Scan(&a.TripID, &a.RouteID, &a.RouteShortName, &a.Headsign, &a.ArrivalTime, &a.StopSequence); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TripStopArrival returns the scheduled call of a trip at a stop. The bool is
// false when the trip does not serve the stop.
func (l *Lookup) TripStopArrival(ctx context.Context, tripID, stopID string) (gtfs.ScheduledArrival, bool, error) {
	q := scheduleSelect + `WHERE st.trip_id = $1 AND st.stop_id = $2 AND st.arrival_time IS NOT NULL
ORDER BY st.stop_sequence
LIMIT 1`
	var a gtfs.ScheduledArrival
	err := l.db.QueryRowContext(ctx, q, tripID, stopID).
		Scan(&a.TripID, &a.RouteID, &a.RouteShortName, &a.Headsign, &a.ArrivalTime, &a.StopSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return gtfs.ScheduledArrival{}, false, nil
	}
	if err != nil {
		return gtfs.ScheduledArrival{}, false, fmt.Errorf("query trip stop arrival: %w", err)
	}
	return a, true, nil
}

// searchBox is a padded lat/lon rectangle around a point that contains every
// point within radiusM metres of it.
func searchBox(lat, lon, radiusM float64) gtfs.MapBounds {
	latDelta := radiusM / 111000 * 1.2
	lonDelta := radiusM / (111000 * math.Cos(lat*math.Pi/180)) * 1.2
	return gtfs.MapBounds{
		North: lat + latDelta,
		South: lat - latDelta,
		East:  lon + lonDelta,
		West:  lon - lonDelta,
	}
}

func nearest(candidates []gtfs.Stop, lat, lon, radiusM float64, limit int) []gtfs.Stop {
	out := make([]gtfs.Stop, 0, len(candidates))
	for _, s := range candidates {
		d := haversine(lat, lon, s.Lat, s.Lon)
		if d > radiusM {
			continue
		}
		s.DistanceM = d
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].DistanceM = math.Round(out[i].DistanceM*10) / 10
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

// Haversine distance in meters
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
