package tracker

import (
	"context"
	"time"

	"github.com/yegors/co-ogn/internal/websocket"
)

// Launch methods reported for a flight
const (
	LaunchWinch   = "winch"
	LaunchOther   = "other"
	LaunchPending = "pending"
)

// Aircraft is the last known state of one device
type Aircraft struct {
	DeviceID          string    `json:"device_id"`
	Callsign          string    `json:"callsign,omitempty"` // APRS source callsign
	Registration      string    `json:"registration,omitempty"`
	CompetitionNumber string    `json:"competition_number,omitempty"`
	Model             string    `json:"model,omitempty"`
	AircraftType      int       `json:"aircraft_type"`
	TypeCode          string    `json:"type_code"`
	Identified        bool      `json:"identified"` // registry allows showing the identity
	Latitude          float64   `json:"lat"`
	Longitude         float64   `json:"lon"`
	AltitudeM         float64   `json:"altitude_m"`
	SpeedKmh          float64   `json:"speed_kmh"`
	Course            float64   `json:"course"`
	MagneticCourse    float64   `json:"magnetic_course"`
	ClimbRate         float64   `json:"climb_rate"`
	TurnRate          float64   `json:"turn_rate"`
	Station           string    `json:"station"`
	OnGround          bool      `json:"on_ground"`
	InGeofence        bool      `json:"in_geofence"`
	Timestamp         time.Time `json:"timestamp"` // fix time of the last position
	LastSeen          time.Time `json:"last_seen"` // local receipt time of the last position
}

// Position is one stored path sample
type Position struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	AltitudeM float64   `json:"altitude_m"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Course    float64   `json:"course"`
	ClimbRate float64   `json:"climb_rate"`
	Timestamp time.Time `json:"timestamp"`
}

// FlightEvent is a stored departure or landing
type FlightEvent struct {
	DeviceID      string    `json:"device_id"`
	Kind          string    `json:"kind"` // "departure" or "landing"
	Timestamp     time.Time `json:"timestamp"`
	WinchLaunch   bool      `json:"winch_launch"`
	LaunchChecked bool      `json:"launch_checked"`
}

// Flight is a departure paired with the following landing of the same device
type Flight struct {
	DeviceID     string         `json:"device_id"`
	Registration string         `json:"registration,omitempty"`
	Callsign     string         `json:"callsign,omitempty"` // competition number
	Model        string         `json:"model,omitempty"`
	Departure    time.Time      `json:"departure"`
	Landing      *time.Time     `json:"landing,omitempty"` // nil while airborne
	Duration     *time.Duration `json:"duration_ns,omitempty"`
	LaunchMethod string         `json:"launch_method"` // winch, other or pending
}

// Status summarises the pipeline for the status endpoint
type Status struct {
	FeedState        string    `json:"feed_state"`
	Connects         int64     `json:"connects"`
	LinesReceived    int64     `json:"lines_received"`
	LinesDropped     int64     `json:"lines_dropped"`
	BeaconsDecoded   int64     `json:"beacons_decoded"`
	DecodeErrors     int64     `json:"decode_errors"`
	LastBeaconTime   time.Time `json:"last_beacon_time"`
	AircraftTracked  int       `json:"aircraft_tracked"`
	AircraftStored   int       `json:"aircraft_stored"`
	RegistryEntries  int       `json:"registry_entries"`
	WebSocketClients int       `json:"websocket_clients"`
}

// Storage persists last known state, path samples and flight events
type Storage interface {
	// SaveSample upserts the state and, when position is not nil, appends it
	// as one unit of work
	SaveSample(ctx context.Context, aircraft *Aircraft, position *Position) error
	GetAircraft(ctx context.Context, deviceID string) (*Aircraft, bool, error)
	CountAircraft(ctx context.Context) (int, error)
	InsertEvent(ctx context.Context, event FlightEvent) error
	UpdateLaunch(ctx context.Context, deviceID string, departure time.Time, winch bool) error
	GetEvents(ctx context.Context, deviceID string, since time.Time) ([]FlightEvent, error)
	GetPositions(ctx context.Context, deviceID string, limit int) ([]Position, error)
	Close() error
}

// WebSocketServer defines the interface for a WebSocket server
type WebSocketServer interface {
	Broadcast(message *websocket.Message)
	ClientCount() int
}
