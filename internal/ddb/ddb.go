package ddb

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yegors/co-ogn/internal/config"
	"github.com/yegors/co-ogn/pkg/logger"
)

// AircraftType is the FLARM/OGN aircraft type number
type AircraftType int

const (
	TypeUnknown      AircraftType = 0
	TypeGlider       AircraftType = 1 // glider / motor glider
	TypeTowPlane     AircraftType = 2
	TypeHelicopter   AircraftType = 3
	TypeSkydiver     AircraftType = 4
	TypeDropPlane    AircraftType = 5
	TypeHangGlider   AircraftType = 6
	TypeParaglider   AircraftType = 7
	TypePowered      AircraftType = 8 // reciprocating engine(s)
	TypeJet          AircraftType = 9 // jet / turboprop
	TypeBalloon      AircraftType = 11
	TypeAirship      AircraftType = 12
	TypeUAV          AircraftType = 13
	TypeStaticObject AircraftType = 15
)

// String returns the short type code used in the UI
func (t AircraftType) String() string {
	switch t {
	case TypeGlider:
		return "GLID"
	case TypeTowPlane:
		return "TOW"
	case TypeHelicopter:
		return "HEL"
	case TypeSkydiver:
		return "SKYD"
	case TypeDropPlane:
		return "DROP"
	case TypeHangGlider:
		return "HANG"
	case TypeParaglider:
		return "PARA"
	case TypePowered:
		return "PLN"
	case TypeJet:
		return "JET"
	case TypeBalloon:
		return "BAL"
	case TypeAirship:
		return "SHIP"
	case TypeUAV:
		return "UAV"
	case TypeStaticObject:
		return "STAT"
	default:
		return "UKN"
	}
}

// modelCorrections overrides the registered type for models that are
// commonly entered with the wrong type in the device database. Touring motor
// gliders and ultralights take off under their own power and are logged as
// powered aircraft; self-launching gliders registered as ultralights are gliders.
var modelCorrections = map[string]AircraftType{
	"SF-25 Falke":      TypePowered,
	"Scheibe Falke":    TypePowered,
	"Grob G109":        TypePowered,
	"HK36 Dimona":      TypePowered,
	"Super Dimona":     TypePowered,
	"Ikarus C42":       TypePowered,
	"Comco Ikarus C42": TypePowered,
	"Tecnam P92":       TypePowered,
	"Aeroprakt A22":    TypePowered,
	"Pipistrel Virus":  TypePowered,
	"Pipistrel Taurus": TypeGlider,
}

// Aircraft is the identity of one registered device
type Aircraft struct {
	DeviceID     string       `json:"device_id"`
	DeviceType   string       `json:"device_type"` // F (FLARM), O (OGN), I (ICAO)
	Model        string       `json:"model"`
	Registration string       `json:"registration"`
	Callsign     string       `json:"callsign"` // competition number
	Tracked      bool         `json:"tracked"`
	Visible      bool         `json:"visible"` // identity may be shown publicly
	Type         AircraftType `json:"aircraft_type"`
}

// Table maps device ids to aircraft. A Table is never modified once built.
type Table map[string]Aircraft

// TransferError reports a failed registry download
type TransferError struct {
	URL        string
	StatusCode int // 0 when the request itself failed
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("device database download from %s failed: unexpected status code: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("device database download from %s failed: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Registry holds the current device table and refreshes it from the OGN DDB
type Registry struct {
	url         string
	httpClient  *http.Client
	corrections map[string]AircraftType
	table       atomic.Pointer[Table]
	logger      *logger.Logger
}

// NewRegistry creates an empty registry for the configured source
func NewRegistry(cfg config.DDBConfig, log *logger.Logger) *Registry {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	corrections := make(map[string]AircraftType, len(modelCorrections)+len(cfg.ModelOverrides))
	for model, t := range modelCorrections {
		corrections[model] = t
	}
	for model, t := range cfg.ModelOverrides {
		corrections[model] = AircraftType(t)
	}

	r := &Registry{
		url:         cfg.URL,
		httpClient:  &http.Client{Timeout: timeout},
		corrections: corrections,
		logger:      log.Named("ddb"),
	}
	empty := Table{}
	r.table.Store(&empty)
	return r
}

// Refresh downloads the full device database and replaces the current table.
// Failures are returned to the caller and leave the previous table in place.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.url == "" {
		return &config.ConfigurationError{Field: "ddb.url", Reason: "is required"}
	}

	start := time.Now()
	r.logger.Info("Downloading device database", logger.String("url", r.url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return &TransferError{URL: r.url, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &TransferError{URL: r.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransferError{URL: r.url, StatusCode: resp.StatusCode}
	}

	table, err := parse(resp.Body, r.corrections)
	if err != nil {
		return &TransferError{URL: r.url, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	r.table.Store(&table)

	r.logger.Info("Loaded device database",
		logger.Int("count", len(table)),
		logger.Duration("duration", time.Since(start)),
	)
	return nil
}

// Lookup returns the aircraft registered for a device id
func (r *Registry) Lookup(id string) (Aircraft, bool) {
	if id == "" {
		return Aircraft{}, false
	}
	a, ok := (*r.table.Load())[id]
	return a, ok
}

// Len returns the number of devices in the current table
func (r *Registry) Len() int {
	return len(*r.table.Load())
}

// Parse reads a device database in the OGN DDB CSV layout using the built-in
// model corrections
func Parse(rd io.Reader) (Table, error) {
	return parse(rd, modelCorrections)
}

// parse reads lines of the form
//
//	'F','DD1234','ASK-21','D-1234','K1','Y','Y','1'
//
// i.e. device type, device id, model, registration, competition number,
// tracked, identified and (optionally) aircraft type. Malformed lines are skipped.
func parse(rd io.Reader, corrections map[string]AircraftType) (Table, error) {
	table := make(Table)

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(strings.ReplaceAll(line, "'", ""), ",")
		if len(fields) < 7 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		id := fields[1]
		if id == "" {
			continue
		}

		aircraftType := TypeUnknown
		if len(fields) > 7 {
			n, err := strconv.Atoi(fields[7])
			if err != nil {
				continue
			}
			aircraftType = AircraftType(n)
		}

		model := fields[2]
		if corrected, ok := corrections[model]; ok {
			aircraftType = corrected
		}

		table[id] = Aircraft{
			DeviceID:     id,
			DeviceType:   fields[0],
			Model:        model,
			Registration: fields[3],
			Callsign:     fields[4],
			Tracked:      fields[5] == "Y",
			Visible:      fields[6] == "Y",
			Type:         aircraftType,
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}
