// Package postgres stores aircraft state, path samples and flight events in
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yegors/co-ogn/internal/tracker"
	"github.com/yegors/co-ogn/pkg/logger"
)

// Store implements tracker.Storage on PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewStore connects to databaseURL and makes sure the schema exists
func NewStore(ctx context.Context, databaseURL string, log *logger.Logger) (*Store, error) {
	storeLogger := log.Named("postgres")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	storeLogger.Info("Connected to PostgreSQL")

	return &Store{pool: pool, logger: storeLogger}, nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS aircraft (
            device_id TEXT PRIMARY KEY,
            callsign TEXT,
            registration TEXT,
            competition_number TEXT,
            model TEXT,
            aircraft_type INTEGER NOT NULL DEFAULT 0,
            identified BOOLEAN NOT NULL DEFAULT FALSE,
            lat DOUBLE PRECISION,
            lon DOUBLE PRECISION,
            altitude_m DOUBLE PRECISION,
            speed_kmh DOUBLE PRECISION,
            course DOUBLE PRECISION,
            magnetic_course DOUBLE PRECISION,
            climb_rate DOUBLE PRECISION,
            turn_rate DOUBLE PRECISION,
            station TEXT,
            on_ground BOOLEAN NOT NULL DEFAULT TRUE,
            fix_time TIMESTAMPTZ,
            last_seen TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`,
		`CREATE TABLE IF NOT EXISTS positions (
            id BIGSERIAL PRIMARY KEY,
            device_id TEXT NOT NULL,
            lat DOUBLE PRECISION NOT NULL,
            lon DOUBLE PRECISION NOT NULL,
            altitude_m DOUBLE PRECISION,
            speed_kmh DOUBLE PRECISION,
            course DOUBLE PRECISION,
            climb_rate DOUBLE PRECISION,
            fix_time TIMESTAMPTZ NOT NULL,
            UNIQUE (device_id, fix_time)
        )`,
		`CREATE TABLE IF NOT EXISTS flight_events (
            id BIGSERIAL PRIMARY KEY,
            device_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            event_time TIMESTAMPTZ NOT NULL,
            winch_launch BOOLEAN NOT NULL DEFAULT FALSE,
            launch_checked BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE (device_id, kind, event_time)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_positions_device_time ON positions (device_id, fix_time)`,
		`CREATE INDEX IF NOT EXISTS idx_flight_events_time ON flight_events (event_time)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const upsertAircraftSQL = `
	INSERT INTO aircraft (
		device_id, callsign, registration, competition_number, model,
		aircraft_type, identified, lat, lon, altitude_m, speed_kmh,
		course, magnetic_course, climb_rate, turn_rate, station,
		on_ground, fix_time, last_seen
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	ON CONFLICT (device_id) DO UPDATE SET
		callsign = EXCLUDED.callsign,
		registration = EXCLUDED.registration,
		competition_number = EXCLUDED.competition_number,
		model = EXCLUDED.model,
		aircraft_type = EXCLUDED.aircraft_type,
		identified = EXCLUDED.identified,
		lat = EXCLUDED.lat,
		lon = EXCLUDED.lon,
		altitude_m = EXCLUDED.altitude_m,
		speed_kmh = EXCLUDED.speed_kmh,
		course = EXCLUDED.course,
		magnetic_course = EXCLUDED.magnetic_course,
		climb_rate = EXCLUDED.climb_rate,
		turn_rate = EXCLUDED.turn_rate,
		station = EXCLUDED.station,
		on_ground = EXCLUDED.on_ground,
		fix_time = EXCLUDED.fix_time,
		last_seen = EXCLUDED.last_seen,
		updated_at = NOW()`

const insertPositionSQL = `
	INSERT INTO positions (device_id, lat, lon, altitude_m, speed_kmh, course, climb_rate, fix_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (device_id, fix_time) DO NOTHING`

func aircraftArgs(a *tracker.Aircraft) []any {
	return []any{
		a.DeviceID, a.Callsign, a.Registration, a.CompetitionNumber, a.Model,
		a.AircraftType, a.Identified, a.Latitude, a.Longitude, a.AltitudeM, a.SpeedKmh,
		a.Course, a.MagneticCourse, a.ClimbRate, a.TurnRate, a.Station,
		a.OnGround, a.Timestamp.UTC(), a.LastSeen.UTC(),
	}
}

func positionArgs(p tracker.Position) []any {
	return []any{p.DeviceID, p.Latitude, p.Longitude, p.AltitudeM, p.SpeedKmh, p.Course, p.ClimbRate, p.Timestamp.UTC()}
}

// SaveSample sends the state upsert and the position insert in one batch.
// Duplicate fixes are ignored.
func (s *Store) SaveSample(ctx context.Context, a *tracker.Aircraft, p *tracker.Position) error {
	batch := &pgx.Batch{}
	batch.Queue(upsertAircraftSQL, aircraftArgs(a)...)
	if p != nil {
		batch.Queue(insertPositionSQL, positionArgs(*p)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to save sample for %s: %w", a.DeviceID, err)
		}
	}
	return nil
}

// GetAircraft returns the stored state of a device
func (s *Store) GetAircraft(ctx context.Context, deviceID string) (*tracker.Aircraft, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT device_id, callsign, registration, competition_number, model,
			aircraft_type, identified, lat, lon, altitude_m, speed_kmh,
			course, magnetic_course, climb_rate, turn_rate, station,
			on_ground, fix_time, last_seen
		FROM aircraft WHERE device_id = $1
	`, deviceID)

	var a tracker.Aircraft
	err := row.Scan(
		&a.DeviceID, &a.Callsign, &a.Registration, &a.CompetitionNumber, &a.Model,
		&a.AircraftType, &a.Identified, &a.Latitude, &a.Longitude, &a.AltitudeM, &a.SpeedKmh,
		&a.Course, &a.MagneticCourse, &a.ClimbRate, &a.TurnRate, &a.Station,
		&a.OnGround, &a.Timestamp, &a.LastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query aircraft %s: %w", deviceID, err)
	}

	a.Timestamp = a.Timestamp.UTC()
	a.LastSeen = a.LastSeen.UTC()
	return &a, true, nil
}

// CountAircraft returns the number of stored aircraft
func (s *Store) CountAircraft(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM aircraft`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count aircraft: %w", err)
	}
	return n, nil
}

// GetPositions returns the most recent path samples of a device in
// chronological order
func (s *Store) GetPositions(ctx context.Context, deviceID string, limit int) ([]tracker.Position, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT lat, lon, altitude_m, speed_kmh, course, climb_rate, fix_time
		FROM (
			SELECT * FROM positions
			WHERE device_id = $1
			ORDER BY fix_time DESC
			LIMIT $2
		) recent
		ORDER BY fix_time ASC`, deviceID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]tracker.Position, 0)
	for rows.Next() {
		p := tracker.Position{DeviceID: deviceID}
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.AltitudeM, &p.SpeedKmh, &p.Course, &p.ClimbRate, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// InsertEvent records a departure or landing
func (s *Store) InsertEvent(ctx context.Context, e tracker.FlightEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flight_events (device_id, kind, event_time, winch_launch, launch_checked)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, kind, event_time) DO NOTHING`,
		e.DeviceID, e.Kind, e.Timestamp.UTC(), e.WinchLaunch, e.LaunchChecked)
	if err != nil {
		return fmt.Errorf("failed to insert flight event: %w", err)
	}
	return nil
}

// UpdateLaunch stores the launch classification of a departure
func (s *Store) UpdateLaunch(ctx context.Context, deviceID string, departure time.Time, winch bool) error {
	var id int64
	err := s.pool.QueryRow(ctx, `
		UPDATE flight_events SET winch_launch = $1, launch_checked = TRUE
		WHERE device_id = $2 AND kind = 'departure' AND event_time = $3
		RETURNING id`, winch, deviceID, departure.UTC()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("no departure for %s at %s", deviceID, departure.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return fmt.Errorf("failed to update launch: %w", err)
	}
	return nil
}

// GetEvents returns flight events at or after since in chronological order.
// An empty deviceID returns the events of all devices.
func (s *Store) GetEvents(ctx context.Context, deviceID string, since time.Time) ([]tracker.FlightEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, kind, event_time, winch_launch, launch_checked
		FROM flight_events
		WHERE event_time >= $1 AND ($2 = '' OR device_id = $2)
		ORDER BY event_time ASC, id ASC`, since.UTC(), deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flight events: %w", err)
	}
	defer rows.Close()

	events := make([]tracker.FlightEvent, 0)
	for rows.Next() {
		var e tracker.FlightEvent
		if err := rows.Scan(&e.DeviceID, &e.Kind, &e.Timestamp, &e.WinchLaunch, &e.LaunchChecked); err != nil {
			return nil, fmt.Errorf("failed to scan flight event row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
