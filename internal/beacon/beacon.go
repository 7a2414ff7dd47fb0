// Package beacon decodes OGN aircraft beacons received over APRS-IS into
// structured telemetry.
//
// Example beacon:
//
//	FLRDDA5BA>APRS,qAS,LFMX:/160829h4415.41N/00600.03E'342/049/A=005524 id0ADDA5BA -454fpm -1.1rot 8.8dB 0e +51.2kHz gps4x5
//
// The flag byte following "id" carries the stealth and no-tracking bits in its
// high nibble. The grammar only admits a leading hex digit of 0-3 (flag values
// 0x00-0x3F), so beacons from devices that asked not to be tracked never match.
package beacon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yegors/co-ogn/internal/physics"
)

// Fixes stamped further ahead of the receive clock than this belong to the
// previous UTC day
const futureSkew = 10 * time.Minute

var beaconPattern = regexp.MustCompile(
	`^(?:(?P<callsign>[^>\s]+)>)?` +
		`(?P<dest>[A-Za-z0-9]+),(?P<relay>[A-Za-z0-9]+),(?P<station>[A-Za-z0-9]+):` +
		`.*?(?P<time>\d{6})(?P<suffix>[A-Za-z])` +
		`(?P<lat>\d{4}\.\d{2}[NS])[/\\](?P<lon>\d{5}\.\d{2}[EW])` +
		`.*?(?P<course>\d{3})/(?P<speed>\d{3})/A=(?P<alt>-?\d+)` +
		`.*?\bid(?P<flags>[0-3][0-9A-Fa-f])(?P<id>[A-Za-z0-9]+)` +
		`.*?(?P<climb>[+-]?\d+)fpm` +
		`.*?(?P<turn>[+-]?\d+(?:\.\d+)?)rot`,
)

var (
	idxCallsign = beaconPattern.SubexpIndex("callsign")
	idxStation  = beaconPattern.SubexpIndex("station")
	idxTime     = beaconPattern.SubexpIndex("time")
	idxSuffix   = beaconPattern.SubexpIndex("suffix")
	idxLat      = beaconPattern.SubexpIndex("lat")
	idxLon      = beaconPattern.SubexpIndex("lon")
	idxCourse   = beaconPattern.SubexpIndex("course")
	idxSpeed    = beaconPattern.SubexpIndex("speed")
	idxAlt      = beaconPattern.SubexpIndex("alt")
	idxFlags    = beaconPattern.SubexpIndex("flags")
	idxID       = beaconPattern.SubexpIndex("id")
	idxClimb    = beaconPattern.SubexpIndex("climb")
	idxTurn     = beaconPattern.SubexpIndex("turn")
)

// Telemetry is one decoded aircraft position report
type Telemetry struct {
	DeviceID     string    `json:"device_id"`
	Callsign     string    `json:"callsign,omitempty"` // APRS source callsign (e.g. FLRDDA5BA)
	Latitude     float64   `json:"lat"`
	Longitude    float64   `json:"lon"`
	AltitudeM    float64   `json:"altitude_m"`
	SpeedKmh     float64   `json:"speed_kmh"`
	Course       float64   `json:"course"`
	ClimbRate    float64   `json:"climb_rate"` // m/s
	TurnRate     float64   `json:"turn_rate"`  // turns/min, magnitude only
	Station      string    `json:"station"`
	AircraftType int       `json:"aircraft_type"` // FLARM aircraft type from the flag byte
	AddressType  int       `json:"address_type"`  // 0 random, 1 ICAO, 2 FLARM, 3 OGN
	Timestamp    time.Time `json:"timestamp"`     // fix time, UTC
	ReceivedAt   time.Time `json:"received_at"`   // local receipt time
}

// FormatError is returned when a beacon matches the grammar but one of its
// fields uses an unsupported encoding
type FormatError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("beacon %s %q: %s", e.Field, e.Value, e.Reason)
}

// Decoder turns raw beacon lines into Telemetry. It holds no per-call state
// and is safe for concurrent use.
type Decoder struct {
	now func() time.Time
}

// NewDecoder creates a decoder using the wall clock for timestamp dates
func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// NewDecoderWithClock creates a decoder with an explicit clock
func NewDecoderWithClock(now func() time.Time) *Decoder {
	return &Decoder{now: now}
}

// Decode parses one beacon line. It returns nil and no error for blank lines
// and anything that is not an aircraft beacon; the only error it reports is a
// *FormatError for a timestamp that is not in UTC (h) form.
func (d *Decoder) Decode(line string) (*Telemetry, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	m := beaconPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, nil
	}

	now := d.now()

	timestamp, ok, err := parseTimestamp(m[idxTime], m[idxSuffix], now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	lat, err := ParseCoordinate(m[idxLat])
	if err != nil {
		return nil, nil
	}
	lon, err := ParseCoordinate(m[idxLon])
	if err != nil {
		return nil, nil
	}

	course, _ := strconv.ParseFloat(m[idxCourse], 64)
	speed, _ := strconv.ParseFloat(m[idxSpeed], 64)
	alt, _ := strconv.ParseFloat(m[idxAlt], 64)
	climb, _ := strconv.ParseFloat(m[idxClimb], 64)
	turn, err := strconv.ParseFloat(m[idxTurn], 64)
	if err != nil {
		return nil, nil
	}
	flags, _ := strconv.ParseUint(m[idxFlags], 16, 8)

	return &Telemetry{
		DeviceID:     m[idxID],
		Callsign:     m[idxCallsign],
		Latitude:     lat,
		Longitude:    lon,
		AltitudeM:    physics.FeetToMetres(alt),
		SpeedKmh:     physics.KnotsToKilometersPerHour(speed),
		Course:       course,
		ClimbRate:    physics.FeetPerMinuteToMetersPerSecond(climb),
		TurnRate:     physics.TurnRate(turn),
		Station:      m[idxStation],
		AircraftType: int(flags>>2) & 0x0F,
		AddressType:  int(flags) & 0x03,
		Timestamp:    timestamp,
		ReceivedAt:   now.Local(),
	}, nil
}

// ParseCoordinate converts an APRS ddmm.mm[NS] / dddmm.mm[EW] token to signed
// decimal degrees
func ParseCoordinate(token string) (float64, error) {
	if len(token) < 2 {
		return 0, fmt.Errorf("coordinate too short: %q", token)
	}

	hemisphere := token[len(token)-1]

	var digits strings.Builder
	for _, r := range token {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, fmt.Errorf("coordinate without digits: %q", token)
	}

	value, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", token, err)
	}

	degrees := float64(value / 10000)
	minutes := float64(value%10000) / 60 / 100
	result := degrees + minutes

	switch hemisphere {
	case 'N', 'E':
		return result, nil
	case 'S', 'W':
		return -result, nil
	default:
		return 0, fmt.Errorf("invalid hemisphere in coordinate %q", token)
	}
}

// parseTimestamp combines an HHMMSS fix time with the current UTC date.
// A fix that would land more than futureSkew ahead of now was taken before
// midnight and gets the previous date. ok is false when the digits are not a
// valid time of day.
func parseTimestamp(hhmmss, suffix string, now time.Time) (time.Time, bool, error) {
	if suffix != "h" {
		// z (day/hour/minute, local) and / forms are not used by OGN aircraft beacons
		return time.Time{}, false, &FormatError{Field: "timestamp", Value: hhmmss + suffix, Reason: "only the UTC HHMMSSh form is supported"}
	}

	hour, _ := strconv.Atoi(hhmmss[0:2])
	minute, _ := strconv.Atoi(hhmmss[2:4])
	second, _ := strconv.Atoi(hhmmss[4:6])
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, false, nil
	}

	utc := now.UTC()
	ts := time.Date(utc.Year(), utc.Month(), utc.Day(), hour, minute, second, 0, time.UTC)
	if ts.Sub(utc) > futureSkew {
		ts = ts.AddDate(0, 0, -1)
	}
	return ts, true, nil
}
