package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override secrets and endpoints from the config file.
// They may also be provided through a .env file next to the binary.
const (
	EnvAPRSUser    = "OGN_APRS_USER"
	EnvAPRSPass    = "OGN_APRS_PASS"
	EnvDDBURL      = "OGN_DDB_URL"
	EnvPostgresURL = "OGN_POSTGRES_URL"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	APRS      APRSConfig      `toml:"aprs"`      // APRS-IS feed connection settings
	DDB       DDBConfig       `toml:"ddb"`       // Device database (aircraft registry) settings
	Airfield  AirfieldConfig  `toml:"airfield"`  // Home airfield location and geofence
	FlightLog FlightLogConfig `toml:"flightlog"` // Departure/landing detection overrides
	Storage   StorageConfig   `toml:"storage"`   // Data persistence settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the API and websocket endpoint
	Host             string `toml:"host"`                  // Host address to bind to
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request
	StaticDir        string `toml:"static_dir"`            // Optional directory with the web viewer, served at /
}

// APRSConfig contains the APRS-IS (OGN) feed configuration
type APRSConfig struct {
	Host              string  `toml:"host"`                       // APRS-IS server host (e.g., aprs.glidernet.org)
	Port              int     `toml:"port"`                       // APRS-IS filter port (14580 on OGN servers)
	User              string  `toml:"user"`                       // Login callsign
	Pass              string  `toml:"pass"`                       // Login passcode (-1 for receive-only)
	Latitude          float64 `toml:"latitude"`                   // Range filter center latitude
	Longitude         float64 `toml:"longitude"`                  // Range filter center longitude
	RadiusKm          float64 `toml:"radius_km"`                  // Range filter radius in kilometers
	ClientName        string  `toml:"client_name"`                // Software name sent in the login line
	ClientVersion     string  `toml:"client_version"`             // Software version sent in the login line
	KeepAliveSecs     int     `toml:"keepalive_interval_seconds"` // Interval between keep-alive comment lines (default 600)
	DialTimeoutSecs   int     `toml:"dial_timeout_seconds"`       // TCP connect timeout (default 15)
	SubscriberBufSize int     `toml:"subscriber_buffer_size"`     // Per-subscriber line queue length (default 1024)
}

// DDBConfig contains the OGN device database configuration
type DDBConfig struct {
	URL            string         `toml:"url"`             // Download URL of the device database
	TimeoutSeconds int            `toml:"timeout_seconds"` // HTTP timeout for the download (default 60)
	ModelOverrides map[string]int `toml:"model_overrides"` // Extra model -> aircraft type corrections
}

// AirfieldConfig contains the home airfield location used for the classifier
// reference altitude and the path-recording geofence
type AirfieldConfig struct {
	Name              string       `toml:"name"`                 // Human-readable name
	Latitude          float64      `toml:"latitude"`             // Airfield reference point latitude
	Longitude         float64      `toml:"longitude"`            // Airfield reference point longitude
	ElevationM        float64      `toml:"elevation_m"`          // Airfield elevation in meters (classifier reference altitude)
	GeofenceRadiusKm  float64      `toml:"geofence_radius_km"`   // Radius around the reference point for path recording
	GeofencePolygon   [][2]float64 `toml:"geofence_polygon"`     // Optional polygon [[lat, lon], ...]; overrides the radius when set
	MaxPositionsInAPI int          `toml:"max_positions_in_api"` // Maximum path samples returned per aircraft
}

// FlightLogConfig overrides the departure/landing classifier thresholds.
// Zero values keep the built-in defaults.
type FlightLogConfig struct {
	WindowSecs        int     `toml:"window_seconds"`       // Rolling path window (default 180)
	SpeedThresholdKmh float64 `toml:"speed_threshold_kmh"`  // Takeoff/landing speed threshold (default 50)
	AltitudeMarginM   float64 `toml:"altitude_margin_m"`    // Height above the airfield elevation (default 20)
	HysteresisSecs    int     `toml:"hysteresis_seconds"`   // Minimum time between transitions (default 120)
	LaunchCheckSecs   int     `toml:"launch_check_seconds"` // Delay before the winch-launch check (default 45)
	LaunchDistanceM   float64 `toml:"launch_distance_m"`    // Ground distance examined by the winch check (default 500)
	WinchClimbRatio   float64 `toml:"winch_climb_ratio"`    // Altitude gain per meter travelled for a winch launch (default 0.4)
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type        string `toml:"type"`         // "sqlite" or "postgres"
	SQLitePath  string `toml:"sqlite_path"`  // Path of the SQLite database file
	PostgresURL string `toml:"postgres_url"` // PostgreSQL connection string
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// ConfigurationError reports a missing or invalid configuration value.
// It is fatal and always returned before any network I/O is attempted.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &ConfigurationError{Field: field, Reason: "is required"}
}

// Load loads the configuration from the given TOML file and applies
// environment overrides
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnv()

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// A missing .env is fine, the process environment is used as is
	_ = godotenv.Load()

	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// applyEnv overrides file values with non-empty environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPRSUser); v != "" {
		c.APRS.User = v
	}
	if v := os.Getenv(EnvAPRSPass); v != "" {
		c.APRS.Pass = v
	}
	if v := os.Getenv(EnvDDBURL); v != "" {
		c.DDB.URL = v
	}
	if v := os.Getenv(EnvPostgresURL); v != "" {
		c.Storage.PostgresURL = v
	}
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigurationError{Field: "server.port", Reason: fmt.Sprintf("is invalid: %d", c.Server.Port)}
	}

	if err := c.APRS.Validate(); err != nil {
		return err
	}
	c.APRS.ApplyDefaults()

	if c.DDB.URL == "" {
		return missing("ddb.url")
	}
	if c.DDB.TimeoutSeconds <= 0 {
		c.DDB.TimeoutSeconds = 60
	}

	if err := c.ValidateAirfield(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return &ConfigurationError{Field: "logging.level", Reason: fmt.Sprintf("is invalid: %s", c.Logging.Level)}
	}

	switch c.Logging.Format {
	case "":
		c.Logging.Format = "console"
	case "json", "console":
		// Valid log format
	default:
		return &ConfigurationError{Field: "logging.format", Reason: fmt.Sprintf("is invalid: %s", c.Logging.Format)}
	}

	switch c.Storage.Type {
	case "", "sqlite":
		c.Storage.Type = "sqlite"
		if c.Storage.SQLitePath == "" {
			return missing("storage.sqlite_path")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return missing("storage.postgres_url")
		}
	default:
		return &ConfigurationError{Field: "storage.type", Reason: fmt.Sprintf("is invalid: %s (must be 'sqlite' or 'postgres')", c.Storage.Type)}
	}

	return nil
}

// Validate checks the fields needed before the feed connection is attempted.
// Zero coordinates are rejected along with a zero radius: the filter clause
// would otherwise silently subscribe to the wrong region.
func (a APRSConfig) Validate() error {
	if a.Host == "" {
		return missing("aprs.host")
	}
	if a.Port == 0 {
		return missing("aprs.port")
	}
	if a.Latitude == 0 {
		return missing("aprs.latitude")
	}
	if a.Longitude == 0 {
		return missing("aprs.longitude")
	}
	if a.RadiusKm == 0 {
		return missing("aprs.radius_km")
	}
	return nil
}

// ApplyDefaults fills optional feed settings
func (a *APRSConfig) ApplyDefaults() {
	if a.User == "" {
		a.User = "N0CALL"
	}
	if a.Pass == "" {
		a.Pass = "-1"
	}
	if a.ClientName == "" {
		a.ClientName = "co-ogn"
	}
	if a.ClientVersion == "" {
		a.ClientVersion = "0.1"
	}
	if a.KeepAliveSecs <= 0 {
		a.KeepAliveSecs = 600
	}
	if a.DialTimeoutSecs <= 0 {
		a.DialTimeoutSecs = 15
	}
	if a.SubscriberBufSize <= 0 {
		a.SubscriberBufSize = 1024
	}
}

// ValidateAirfield validates the airfield configuration
func (c *Config) ValidateAirfield() error {
	if c.Airfield.Latitude < -90 || c.Airfield.Latitude > 90 {
		return &ConfigurationError{Field: "airfield.latitude", Reason: fmt.Sprintf("is out of range: %f", c.Airfield.Latitude)}
	}
	if c.Airfield.Longitude < -180 || c.Airfield.Longitude > 180 {
		return &ConfigurationError{Field: "airfield.longitude", Reason: fmt.Sprintf("is out of range: %f", c.Airfield.Longitude)}
	}
	if c.Airfield.Latitude == 0 && c.Airfield.Longitude == 0 {
		// Default the airfield to the feed filter center
		c.Airfield.Latitude = c.APRS.Latitude
		c.Airfield.Longitude = c.APRS.Longitude
	}
	if len(c.Airfield.GeofencePolygon) > 0 && len(c.Airfield.GeofencePolygon) < 3 {
		return &ConfigurationError{Field: "airfield.geofence_polygon", Reason: "needs at least 3 points"}
	}
	if c.Airfield.GeofenceRadiusKm < 0 {
		return &ConfigurationError{Field: "airfield.geofence_radius_km", Reason: "must not be negative"}
	}
	if c.Airfield.GeofenceRadiusKm == 0 {
		c.Airfield.GeofenceRadiusKm = 5
	}
	if c.Airfield.MaxPositionsInAPI <= 0 {
		c.Airfield.MaxPositionsInAPI = 500
	}
	return nil
}
