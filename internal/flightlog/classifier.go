// Package flightlog turns a stream of aircraft telemetry into departure and
// landing events, and classifies each departure as winch launch or not.
package flightlog

import (
	"sync"
	"time"

	"github.com/yegors/co-ogn/internal/beacon"
	"github.com/yegors/co-ogn/internal/config"
	"github.com/yegors/co-ogn/internal/physics"
	"github.com/yegors/co-ogn/pkg/logger"
)

// EventKind is the kind of a flight event
type EventKind string

const (
	Departure EventKind = "departure"
	Landing   EventKind = "landing"
)

// Sample is one position in a device's rolling path window
type Sample struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	AltitudeM float64   `json:"altitude_m"`
	SpeedKmh  float64   `json:"speed_kmh"`
	ClimbRate float64   `json:"climb_rate"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one entry of a device's flight log. The launch fields only apply
// to departures and are filled in once by the delayed launch check.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	Kind          EventKind `json:"kind"`
	WinchLaunch   bool      `json:"winch_launch"`
	LaunchChecked bool      `json:"launch_checked"`
}

// ChangeKind tells what a Change reports
type ChangeKind int

const (
	// EventAdded is a new departure or landing appended to the log
	EventAdded ChangeKind = iota
	// LaunchClassified is the completed launch check of a departure
	LaunchClassified
)

// Change describes one modification of a device's flight log
type Change struct {
	DeviceID   string
	Kind       ChangeKind
	Index      int     // position of the event in the device's log
	Event      Event   // the event after the change
	ClimbRatio float64 // altitude gain per meter travelled, LaunchClassified only
}

// Config holds the classifier thresholds
type Config struct {
	Window             time.Duration // samples older than this are pruned
	SpeedThresholdKmh  float64
	ReferenceAltitudeM float64 // airfield elevation
	AltitudeMarginM    float64 // height above the reference that counts as airborne
	Hysteresis         time.Duration
	LaunchCheckDelay   time.Duration
	LaunchDistanceM    float64
	WinchClimbRatio    float64
}

// DefaultConfig returns the standard thresholds with a reference altitude of 0
func DefaultConfig() Config {
	return Config{
		Window:            3 * time.Minute,
		SpeedThresholdKmh: 50,
		AltitudeMarginM:   20,
		Hysteresis:        2 * time.Minute,
		LaunchCheckDelay:  45 * time.Second,
		LaunchDistanceM:   500,
		WinchClimbRatio:   0.4,
	}
}

// NewConfig builds a Config from the file settings, keeping the defaults for
// every value left at zero
func NewConfig(fl config.FlightLogConfig, referenceAltitudeM float64) Config {
	cfg := DefaultConfig()
	cfg.ReferenceAltitudeM = referenceAltitudeM

	if fl.WindowSecs > 0 {
		cfg.Window = time.Duration(fl.WindowSecs) * time.Second
	}
	if fl.SpeedThresholdKmh > 0 {
		cfg.SpeedThresholdKmh = fl.SpeedThresholdKmh
	}
	if fl.AltitudeMarginM > 0 {
		cfg.AltitudeMarginM = fl.AltitudeMarginM
	}
	if fl.HysteresisSecs > 0 {
		cfg.Hysteresis = time.Duration(fl.HysteresisSecs) * time.Second
	}
	if fl.LaunchCheckSecs > 0 {
		cfg.LaunchCheckDelay = time.Duration(fl.LaunchCheckSecs) * time.Second
	}
	if fl.LaunchDistanceM > 0 {
		cfg.LaunchDistanceM = fl.LaunchDistanceM
	}
	if fl.WinchClimbRatio > 0 {
		cfg.WinchClimbRatio = fl.WinchClimbRatio
	}
	return cfg
}

type deviceState struct {
	mu     sync.Mutex
	window []Sample
	events []Event
}

// Classifier keeps a rolling window and an event log per device. Samples for
// one device are processed one at a time; different devices never contend.
type Classifier struct {
	cfg     Config
	mu      sync.Mutex // guards devices only
	devices map[string]*deviceState
	logger  *logger.Logger
}

// NewClassifier creates an empty classifier
func NewClassifier(cfg Config, log *logger.Logger) *Classifier {
	return &Classifier{
		cfg:     cfg,
		devices: make(map[string]*deviceState),
		logger:  log.Named("flightlog"),
	}
}

func (c *Classifier) device(id string, create bool) *deviceState {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[id]
	if !ok && create {
		d = &deviceState{}
		c.devices[id] = d
	}
	return d
}

// Process adds a telemetry sample to its device's window and returns the
// flight log changes it caused, if any. The sample's fix time is the clock
// for pruning, hysteresis and the launch check delay.
func (c *Classifier) Process(t beacon.Telemetry) []Change {
	if t.DeviceID == "" {
		return nil
	}

	d := c.device(t.DeviceID, true)
	d.mu.Lock()
	defer d.mu.Unlock()

	now := t.Timestamp
	d.window = append(d.window, Sample{
		Latitude:  t.Latitude,
		Longitude: t.Longitude,
		AltitudeM: t.AltitudeM,
		SpeedKmh:  t.SpeedKmh,
		ClimbRate: t.ClimbRate,
		Timestamp: now,
	})
	d.prune(now.Add(-c.cfg.Window))

	threshold := c.cfg.ReferenceAltitudeM + c.cfg.AltitudeMarginM
	hasTakenOff := t.SpeedKmh > c.cfg.SpeedThresholdKmh && t.AltitudeM > threshold
	hasLanded := t.SpeedKmh < c.cfg.SpeedThresholdKmh && t.AltitudeM < threshold

	var changes []Change

	airborne := false
	settled := true
	if n := len(d.events); n > 0 {
		last := d.events[n-1]
		airborne = last.Kind == Departure
		settled = now.Sub(last.Timestamp) >= c.cfg.Hysteresis
	}

	var kind EventKind
	switch {
	case !airborne && hasTakenOff && settled:
		kind = Departure
	case airborne && hasLanded && settled:
		kind = Landing
	}

	if kind != "" {
		ev := Event{Timestamp: now, Kind: kind}
		d.events = append(d.events, ev)
		changes = append(changes, Change{
			DeviceID: t.DeviceID,
			Kind:     EventAdded,
			Index:    len(d.events) - 1,
			Event:    ev,
		})

		c.logger.Info("Flight event",
			logger.String("device_id", t.DeviceID),
			logger.String("kind", string(kind)),
			logger.Time("timestamp", now),
			logger.Float64("altitude_m", t.AltitudeM),
			logger.Float64("speed_kmh", t.SpeedKmh),
		)
	}

	if change, ok := c.checkLaunch(t.DeviceID, d, now); ok {
		changes = append(changes, change)
	}

	return changes
}

// checkLaunch runs the winch check on the latest departure once it is old
// enough. Each departure is checked exactly once.
func (c *Classifier) checkLaunch(id string, d *deviceState, now time.Time) (Change, bool) {
	idx := len(d.events) - 1
	if idx < 0 {
		return Change{}, false
	}

	ev := d.events[idx]
	if ev.Kind != Departure || ev.LaunchChecked || now.Sub(ev.Timestamp) < c.cfg.LaunchCheckDelay {
		return Change{}, false
	}

	ratio := LaunchClimbRatio(d.window, ev.Timestamp, c.cfg.LaunchDistanceM)
	ev.WinchLaunch = ratio >= c.cfg.WinchClimbRatio
	ev.LaunchChecked = true
	d.events[idx] = ev

	c.logger.Info("Launch classified",
		logger.String("device_id", id),
		logger.Time("departure", ev.Timestamp),
		logger.Float64("climb_ratio", ratio),
		logger.Bool("winch", ev.WinchLaunch),
	)

	return Change{
		DeviceID:   id,
		Kind:       LaunchClassified,
		Index:      idx,
		Event:      ev,
		ClimbRatio: ratio,
	}, true
}

// LaunchClimbRatio walks the window from the first sample at or after the
// departure time, accumulating great-circle distance until it reaches
// distanceM or the window ends, and returns the altitude gained per meter
// travelled. A path that did not move returns 0.
func LaunchClimbRatio(window []Sample, departure time.Time, distanceM float64) float64 {
	start := -1
	for i, s := range window {
		if !s.Timestamp.Before(departure) {
			start = i
			break
		}
	}
	if start < 0 {
		return 0
	}

	var distance float64
	stop := start
	for i := start + 1; i < len(window); i++ {
		prev, cur := window[i-1], window[i]
		distance += physics.DistanceMeters(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
		stop = i
		if distance >= distanceM {
			break
		}
	}

	if distance == 0 {
		return 0
	}
	return (window[stop].AltitudeM - window[start].AltitudeM) / distance
}

func (d *deviceState) prune(cutoff time.Time) {
	kept := d.window[:0]
	for _, s := range d.window {
		if !s.Timestamp.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	d.window = kept
}

// Events returns a copy of the device's flight log
func (c *Classifier) Events(id string) []Event {
	d := c.device(id, false)
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Path returns a copy of the device's current window
func (c *Classifier) Path(id string) []Sample {
	d := c.device(id, false)
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sample(nil), d.window...)
}

// Forget drops all state held for a device
func (c *Classifier) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, id)
}

// Len returns the number of devices with state
func (c *Classifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}
