package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/co-ogn/internal/tracker"
	"github.com/yegors/co-ogn/pkg/logger"
	_ "modernc.org/sqlite"
)

// AircraftStorage is a SQLite-based store for aircraft state, path samples
// and flight events
type AircraftStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewAircraftStorage opens (or creates) the database at dbPath
func NewAircraftStorage(dbPath string, log *logger.Logger) (*AircraftStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	pragmas := []struct {
		stmt string
		name string
	}{
		{"PRAGMA journal_mode=WAL", "journal mode"},
		{"PRAGMA synchronous=NORMAL", "synchronous mode"},
		{"PRAGMA busy_timeout=5000", "busy timeout"},
		{"PRAGMA cache_size=10000", "cache size"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", p.name, err)
		}
	}

	if err := initDatabase(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &AircraftStorage{
		db:     db,
		logger: storageLogger,
	}, nil
}

// Close closes the database connection
func (s *AircraftStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// initDatabase initializes the database schema
func initDatabase(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	statements := []struct {
		name string
		stmt string
	}{
		{"aircraft table", `
			CREATE TABLE IF NOT EXISTS aircraft (
				device_id TEXT PRIMARY KEY,
				callsign TEXT,
				registration TEXT,
				competition_number TEXT,
				model TEXT,
				aircraft_type INTEGER,
				identified INTEGER DEFAULT 0,
				lat REAL,
				lon REAL,
				altitude_m REAL,
				speed_kmh REAL,
				course REAL,
				magnetic_course REAL,
				climb_rate REAL,
				turn_rate REAL,
				station TEXT,
				on_ground INTEGER DEFAULT 1,
				timestamp TIMESTAMP,
				last_seen TIMESTAMP,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"positions table", `
			CREATE TABLE IF NOT EXISTS positions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				device_id TEXT NOT NULL,
				lat REAL NOT NULL,
				lon REAL NOT NULL,
				altitude_m REAL,
				speed_kmh REAL,
				course REAL,
				climb_rate REAL,
				timestamp TIMESTAMP NOT NULL,
				UNIQUE(device_id, timestamp)
			)`},
		{"flight_events table", `
			CREATE TABLE IF NOT EXISTS flight_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				device_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				timestamp TIMESTAMP NOT NULL,
				winch_launch INTEGER DEFAULT 0,
				launch_checked INTEGER DEFAULT 0,
				UNIQUE(device_id, kind, timestamp)
			)`},
		{"index on positions.device_id", `CREATE INDEX IF NOT EXISTS idx_positions_device_time ON positions(device_id, timestamp)`},
		{"index on flight_events.timestamp", `CREATE INDEX IF NOT EXISTS idx_flight_events_timestamp ON flight_events(timestamp)`},
	}

	for _, s := range statements {
		if _, err := db.Exec(s.stmt); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.name, err)
		}
	}

	return nil
}

const upsertAircraftSQL = `
	INSERT INTO aircraft (
		device_id, callsign, registration, competition_number, model,
		aircraft_type, identified, lat, lon, altitude_m, speed_kmh,
		course, magnetic_course, climb_rate, turn_rate, station,
		on_ground, timestamp, last_seen, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		callsign = excluded.callsign,
		registration = excluded.registration,
		competition_number = excluded.competition_number,
		model = excluded.model,
		aircraft_type = excluded.aircraft_type,
		identified = excluded.identified,
		lat = excluded.lat,
		lon = excluded.lon,
		altitude_m = excluded.altitude_m,
		speed_kmh = excluded.speed_kmh,
		course = excluded.course,
		magnetic_course = excluded.magnetic_course,
		climb_rate = excluded.climb_rate,
		turn_rate = excluded.turn_rate,
		station = excluded.station,
		on_ground = excluded.on_ground,
		timestamp = excluded.timestamp,
		last_seen = excluded.last_seen,
		updated_at = excluded.updated_at
`

const insertPositionSQL = `
	INSERT OR IGNORE INTO positions (
		device_id, lat, lon, altitude_m, speed_kmh, course, climb_rate, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertAircraft(ctx context.Context, ex execer, a *tracker.Aircraft) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := ex.ExecContext(ctx, upsertAircraftSQL,
		a.DeviceID, a.Callsign, a.Registration, a.CompetitionNumber, a.Model,
		a.AircraftType, boolToInt(a.Identified), a.Latitude, a.Longitude, a.AltitudeM, a.SpeedKmh,
		a.Course, a.MagneticCourse, a.ClimbRate, a.TurnRate, a.Station,
		boolToInt(a.OnGround), formatTime(a.Timestamp), formatTime(a.LastSeen), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert aircraft %s: %w", a.DeviceID, err)
	}
	return nil
}

func insertPosition(ctx context.Context, ex execer, p tracker.Position) error {
	_, err := ex.ExecContext(ctx, insertPositionSQL,
		p.DeviceID, p.Latitude, p.Longitude, p.AltitudeM, p.SpeedKmh, p.Course, p.ClimbRate, formatTime(p.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

// SaveSample upserts the aircraft state and appends the position (if any)
// in a single transaction. Duplicate fixes are ignored.
func (s *AircraftStorage) SaveSample(ctx context.Context, a *tracker.Aircraft, p *tracker.Position) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				s.logger.Error("Failed to rollback transaction", logger.Error(rollbackErr))
			}
		}
	}()

	if err = upsertAircraft(ctx, tx, a); err != nil {
		return err
	}
	if p != nil {
		if err = insertPosition(ctx, tx, *p); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetAircraft returns the stored state of a device
func (s *AircraftStorage) GetAircraft(ctx context.Context, deviceID string) (*tracker.Aircraft, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, callsign, registration, competition_number, model,
			aircraft_type, identified, lat, lon, altitude_m, speed_kmh,
			course, magnetic_course, climb_rate, turn_rate, station,
			on_ground, timestamp, last_seen
		FROM aircraft WHERE device_id = ?
	`, deviceID)

	var a tracker.Aircraft
	var identified, onGround int
	var timestamp, lastSeen string
	err := row.Scan(
		&a.DeviceID, &a.Callsign, &a.Registration, &a.CompetitionNumber, &a.Model,
		&a.AircraftType, &identified, &a.Latitude, &a.Longitude, &a.AltitudeM, &a.SpeedKmh,
		&a.Course, &a.MagneticCourse, &a.ClimbRate, &a.TurnRate, &a.Station,
		&onGround, &timestamp, &lastSeen,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query aircraft %s: %w", deviceID, err)
	}

	a.Identified = identified != 0
	a.OnGround = onGround != 0
	if a.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, false, err
	}
	if a.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, false, err
	}
	return &a, true, nil
}

// GetPositions returns the most recent path samples of a device in
// chronological order
func (s *AircraftStorage) GetPositions(ctx context.Context, deviceID string, limit int) ([]tracker.Position, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT lat, lon, altitude_m, speed_kmh, course, climb_rate, timestamp
		FROM (
			SELECT * FROM positions
			WHERE device_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]tracker.Position, 0)
	for rows.Next() {
		p := tracker.Position{DeviceID: deviceID}
		var timestamp string
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.AltitudeM, &p.SpeedKmh, &p.Course, &p.ClimbRate, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		if p.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// InsertEvent records a departure or landing
func (s *AircraftStorage) InsertEvent(ctx context.Context, e tracker.FlightEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO flight_events (device_id, kind, timestamp, winch_launch, launch_checked)
		VALUES (?, ?, ?, ?, ?)
	`, e.DeviceID, e.Kind, formatTime(e.Timestamp), boolToInt(e.WinchLaunch), boolToInt(e.LaunchChecked))
	if err != nil {
		s.logger.Error("Failed to insert flight event", logger.Error(err),
			logger.String("device_id", e.DeviceID), logger.String("kind", e.Kind))
		return fmt.Errorf("failed to insert flight event: %w", err)
	}
	return nil
}

// UpdateLaunch stores the launch classification of a departure
func (s *AircraftStorage) UpdateLaunch(ctx context.Context, deviceID string, departure time.Time, winch bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flight_events SET winch_launch = ?, launch_checked = 1
		WHERE device_id = ? AND kind = 'departure' AND timestamp = ?
	`, boolToInt(winch), deviceID, formatTime(departure))
	if err != nil {
		return fmt.Errorf("failed to update launch: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no departure for %s at %s", deviceID, formatTime(departure))
	}
	return nil
}

// GetEvents returns flight events at or after since in chronological order.
// An empty deviceID returns the events of all devices.
func (s *AircraftStorage) GetEvents(ctx context.Context, deviceID string, since time.Time) ([]tracker.FlightEvent, error) {
	query := `
		SELECT device_id, kind, timestamp, winch_launch, launch_checked
		FROM flight_events
		WHERE timestamp >= ?`
	args := []any{formatTime(since)}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flight events: %w", err)
	}
	defer rows.Close()

	events := make([]tracker.FlightEvent, 0)
	for rows.Next() {
		var e tracker.FlightEvent
		var timestamp string
		var winch, checked int
		if err := rows.Scan(&e.DeviceID, &e.Kind, &timestamp, &winch, &checked); err != nil {
			return nil, fmt.Errorf("failed to scan flight event row: %w", err)
		}
		if e.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		e.WinchLaunch = winch != 0
		e.LaunchChecked = checked != 0
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flight event rows: %w", err)
	}
	return events, nil
}

// CountAircraft returns the number of stored aircraft
func (s *AircraftStorage) CountAircraft(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM aircraft`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count aircraft: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
