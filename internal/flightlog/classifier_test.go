package flightlog

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/co-ogn/internal/beacon"
	"github.com/yegors/co-ogn/internal/config"
	"github.com/yegors/co-ogn/pkg/logger"
)

const referenceAltitude = 100.0

// metersNorth is the latitude delta covering the given distance on the
// 6371 km sphere used for great-circle distances
func metersNorth(m float64) float64 {
	return m / (6371000 * math.Pi / 180)
}

var t0 = time.Date(2024, 7, 14, 12, 0, 0, 0, time.UTC)

func newTestClassifier() *Classifier {
	cfg := DefaultConfig()
	cfg.ReferenceAltitudeM = referenceAltitude
	return NewClassifier(cfg, logger.NewNop())
}

func sample(id string, offset time.Duration, speedKmh, altitudeM float64) beacon.Telemetry {
	return beacon.Telemetry{
		DeviceID:  id,
		Latitude:  47.0,
		Longitude: 8.0,
		SpeedKmh:  speedKmh,
		AltitudeM: altitudeM,
		Timestamp: t0.Add(offset),
	}
}

func addedEvents(changes []Change) []Event {
	var events []Event
	for _, ch := range changes {
		if ch.Kind == EventAdded {
			events = append(events, ch.Event)
		}
	}
	return events
}

func TestDepartureAndLanding(t *testing.T) {
	c := newTestClassifier()

	assert.Empty(t, c.Process(sample("DD1234", 0, 0, referenceAltitude)))

	changes := c.Process(sample("DD1234", 10*time.Second, 60, referenceAltitude+30))
	events := addedEvents(changes)
	require.Len(t, events, 1)
	assert.Equal(t, Departure, events[0].Kind)
	assert.Equal(t, t0.Add(10*time.Second), events[0].Timestamp)
	assert.False(t, events[0].LaunchChecked)
	assert.Equal(t, 0, changes[0].Index)

	// Below the landing thresholds but inside the hysteresis window
	assert.Empty(t, addedEvents(c.Process(sample("DD1234", 30*time.Second, 40, referenceAltitude+10))))
	// Above the takeoff thresholds again while already airborne
	assert.Empty(t, addedEvents(c.Process(sample("DD1234", 40*time.Second, 60, referenceAltitude+30))))

	events = addedEvents(c.Process(sample("DD1234", 2*time.Minute+20*time.Second, 30, referenceAltitude+5)))
	require.Len(t, events, 1)
	assert.Equal(t, Landing, events[0].Kind)

	log := c.Events("DD1234")
	require.Len(t, log, 2)
	assert.Equal(t, Departure, log[0].Kind)
	assert.Equal(t, Landing, log[1].Kind)
}

func TestHysteresisAfterLanding(t *testing.T) {
	c := newTestClassifier()

	c.Process(sample("DD1234", 0, 60, referenceAltitude+30))
	c.Process(sample("DD1234", 2*time.Minute, 20, referenceAltitude))
	require.Len(t, c.Events("DD1234"), 2)

	// A touch-and-go right after the landing is suppressed
	assert.Empty(t, addedEvents(c.Process(sample("DD1234", 2*time.Minute+30*time.Second, 70, referenceAltitude+40))))

	events := addedEvents(c.Process(sample("DD1234", 4*time.Minute, 70, referenceAltitude+40)))
	require.Len(t, events, 1)
	assert.Equal(t, Departure, events[0].Kind)
}

func TestThresholdsAreStrict(t *testing.T) {
	c := newTestClassifier()

	// Exactly on the speed threshold is neither taken off nor landed
	assert.Empty(t, c.Process(sample("DD1234", 0, 50, referenceAltitude+30)))
	// Exactly on the altitude threshold is neither either
	assert.Empty(t, c.Process(sample("DD1234", 10*time.Second, 80, referenceAltitude+20)))
	assert.Empty(t, c.Events("DD1234"))
}

// climbOut feeds a straight northbound path of six samples, 10 s and 100 m
// apart, starting above the takeoff thresholds
func climbOut(c *Classifier, id string, gainPerStep float64) []Change {
	var all []Change
	for i := 0; i <= 5; i++ {
		tel := beacon.Telemetry{
			DeviceID:  id,
			Latitude:  47.0 + metersNorth(100*float64(i)),
			Longitude: 8.0,
			SpeedKmh:  90,
			AltitudeM: referenceAltitude + 30 + gainPerStep*float64(i),
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Second),
		}
		all = append(all, c.Process(tel)...)
	}
	return all
}

func launchChanges(changes []Change) []Change {
	var out []Change
	for _, ch := range changes {
		if ch.Kind == LaunchClassified {
			out = append(out, ch)
		}
	}
	return out
}

func TestWinchLaunch(t *testing.T) {
	c := newTestClassifier()

	launches := launchChanges(climbOut(c, "DD1234", 50))
	require.Len(t, launches, 1)
	assert.InDelta(t, 0.5, launches[0].ClimbRatio, 1e-6)
	assert.True(t, launches[0].Event.WinchLaunch)
	assert.True(t, launches[0].Event.LaunchChecked)
	assert.Equal(t, 0, launches[0].Index)

	log := c.Events("DD1234")
	require.Len(t, log, 1)
	assert.True(t, log[0].WinchLaunch)
	assert.True(t, log[0].LaunchChecked)
}

func TestAerotowIsNotWinch(t *testing.T) {
	c := newTestClassifier()

	launches := launchChanges(climbOut(c, "DD1234", 20))
	require.Len(t, launches, 1)
	assert.InDelta(t, 0.2, launches[0].ClimbRatio, 1e-6)
	assert.False(t, launches[0].Event.WinchLaunch)
	assert.True(t, launches[0].Event.LaunchChecked)
}

func TestLaunchCheckRunsOnce(t *testing.T) {
	c := newTestClassifier()
	climbOut(c, "DD1234", 50)

	for i := 6; i < 12; i++ {
		tel := beacon.Telemetry{
			DeviceID:  "DD1234",
			Latitude:  47.0 + metersNorth(100*float64(i)),
			Longitude: 8.0,
			SpeedKmh:  90,
			AltitudeM: referenceAltitude + 30 - 10*float64(i),
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Second),
		}
		assert.Empty(t, launchChanges(c.Process(tel)))
	}
	assert.True(t, c.Events("DD1234")[0].WinchLaunch)
}

func TestLaunchCheckWaitsForDelay(t *testing.T) {
	c := newTestClassifier()

	c.Process(sample("DD1234", 0, 90, referenceAltitude+30))
	assert.Empty(t, launchChanges(c.Process(sample("DD1234", 44*time.Second, 90, referenceAltitude+60))))
	assert.False(t, c.Events("DD1234")[0].LaunchChecked)

	launches := launchChanges(c.Process(sample("DD1234", 45*time.Second, 90, referenceAltitude+60)))
	require.Len(t, launches, 1)
	// Stationary samples never accumulate distance
	assert.Zero(t, launches[0].ClimbRatio)
	assert.False(t, launches[0].Event.WinchLaunch)
}

func TestWindowIsPruned(t *testing.T) {
	c := newTestClassifier()

	c.Process(sample("DD1234", 0, 0, referenceAltitude))
	c.Process(sample("DD1234", time.Minute, 0, referenceAltitude))
	c.Process(sample("DD1234", 3*time.Minute+30*time.Second, 0, referenceAltitude))

	path := c.Path("DD1234")
	require.Len(t, path, 2)
	assert.Equal(t, t0.Add(time.Minute), path[0].Timestamp)
	assert.Equal(t, t0.Add(3*time.Minute+30*time.Second), path[1].Timestamp)
}

func TestDevicesAreIndependent(t *testing.T) {
	c := newTestClassifier()

	c.Process(sample("AAAAAA", 0, 60, referenceAltitude+30))
	events := addedEvents(c.Process(sample("BBBBBB", 5*time.Second, 60, referenceAltitude+30)))
	require.Len(t, events, 1, "another device's departure must not trigger hysteresis")

	assert.Len(t, c.Events("AAAAAA"), 1)
	assert.Len(t, c.Events("BBBBBB"), 1)
	assert.Equal(t, 2, c.Len())

	c.Forget("AAAAAA")
	assert.Nil(t, c.Events("AAAAAA"))
	assert.Nil(t, c.Path("AAAAAA"))
	assert.Equal(t, 1, c.Len())
}

func TestProcessIgnoresEmptyDeviceID(t *testing.T) {
	c := newTestClassifier()
	assert.Nil(t, c.Process(sample("", 0, 60, referenceAltitude+30)))
	assert.Zero(t, c.Len())
}

func TestLaunchClimbRatio(t *testing.T) {
	window := []Sample{
		{Latitude: 47.0, Longitude: 8.0, AltitudeM: 0, Timestamp: t0.Add(-10 * time.Second)},
		{Latitude: 47.0, Longitude: 8.0, AltitudeM: 100, Timestamp: t0},
		{Latitude: 47.0 + metersNorth(300), Longitude: 8.0, AltitudeM: 250, Timestamp: t0.Add(10 * time.Second)},
		{Latitude: 47.0 + metersNorth(600), Longitude: 8.0, AltitudeM: 400, Timestamp: t0.Add(20 * time.Second)},
		{Latitude: 47.0 + metersNorth(900), Longitude: 8.0, AltitudeM: 900, Timestamp: t0.Add(30 * time.Second)},
	}

	// Stops at the first sample reaching 500 m: 300 m gained over 600 m
	assert.InDelta(t, 0.5, LaunchClimbRatio(window, t0, 500), 1e-6)

	// Short window: whatever distance was covered is used
	assert.InDelta(t, 0.5, LaunchClimbRatio(window[:3], t0, 500), 1e-6)

	assert.Zero(t, LaunchClimbRatio(window, t0.Add(time.Minute), 500))
	assert.Zero(t, LaunchClimbRatio(window[:2], t0, 500))
	assert.Zero(t, LaunchClimbRatio(nil, t0, 500))
}

func TestNewConfigOverrides(t *testing.T) {
	cfg := NewConfig(config.FlightLogConfig{
		HysteresisSecs:  60,
		WinchClimbRatio: 0.3,
	}, 250)

	assert.Equal(t, time.Minute, cfg.Hysteresis)
	assert.Equal(t, 0.3, cfg.WinchClimbRatio)
	assert.Equal(t, 250.0, cfg.ReferenceAltitudeM)
	assert.Equal(t, 3*time.Minute, cfg.Window)
	assert.Equal(t, 45*time.Second, cfg.LaunchCheckDelay)
	assert.Equal(t, 500.0, cfg.LaunchDistanceM)
}
