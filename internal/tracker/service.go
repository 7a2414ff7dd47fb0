// Package tracker runs the ingestion pipeline: raw beacon lines are decoded,
// enriched from the device registry, fed to the flight classifier, persisted
// and pushed to connected viewers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/co-ogn/internal/aprs"
	"github.com/yegors/co-ogn/internal/beacon"
	"github.com/yegors/co-ogn/internal/config"
	"github.com/yegors/co-ogn/internal/ddb"
	"github.com/yegors/co-ogn/internal/flightlog"
	"github.com/yegors/co-ogn/internal/physics"
	"github.com/yegors/co-ogn/internal/websocket"
	"github.com/yegors/co-ogn/pkg/logger"
)

const (
	storageTimeout  = 5 * time.Second
	cleanupInterval = time.Minute
	// Aircraft not heard from for this long are dropped from memory
	defaultStaleAfter = 6 * time.Hour
)

// FeedClient is the line source the service subscribes to
type FeedClient interface {
	Start(ctx context.Context) (<-chan struct{}, error)
	Subscribe(fn func(line string)) (unsubscribe func())
	Stats() aprs.Stats
	Close() error
}

// Registry resolves device ids to registered aircraft
type Registry interface {
	Refresh(ctx context.Context) error
	Lookup(id string) (ddb.Aircraft, bool)
	Len() int
}

// Config holds the service settings
type Config struct {
	Airfield   config.AirfieldConfig
	FlightLog  flightlog.Config
	StaleAfter time.Duration // 0 uses the default
}

// Service is the main service for OGN data processing
type Service struct {
	client     FeedClient
	decoder    *beacon.Decoder
	registry   Registry
	classifier *flightlog.Classifier
	storage    Storage
	wsServer   WebSocketServer
	geofence   *Geofence
	cfg        Config
	logger     *logger.Logger

	mu       sync.RWMutex
	aircraft map[string]*Aircraft

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	stopOnce    sync.Once

	decoded      atomic.Int64
	decodeErrors atomic.Int64
	lastBeacon   atomic.Int64 // unix nanos of the last decoded beacon
}

// NewService creates a new tracker service
func NewService(
	client FeedClient,
	decoder *beacon.Decoder,
	registry Registry,
	classifier *flightlog.Classifier,
	storage Storage,
	wsServer WebSocketServer,
	cfg Config,
	log *logger.Logger,
) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		client:     client,
		decoder:    decoder,
		registry:   registry,
		classifier: classifier,
		storage:    storage,
		wsServer:   wsServer,
		geofence:   NewGeofence(cfg.Airfield),
		cfg:        cfg,
		logger:     log.Named("tracker"),
		aircraft:   make(map[string]*Aircraft),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start loads the device registry, subscribes to the feed and starts it. A
// registry failure is returned and nothing is started.
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load device registry: %w", err)
	}
	s.logger.Info("Device registry loaded", logger.Int("entries", s.registry.Len()))

	s.unsubscribe = s.client.Subscribe(s.HandleLine)

	if _, err := s.client.Start(ctx); err != nil {
		s.unsubscribe()
		return fmt.Errorf("failed to start feed client: %w", err)
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	s.logger.Info("Tracker service started")
	return nil
}

// Stop closes the feed and waits for background work to finish
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping tracker service")
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if err := s.client.Close(); err != nil {
			s.logger.Warn("Failed to close feed client", logger.Error(err))
		}
		s.cancel()
		s.wg.Wait()
	})
}

// HandleLine runs one raw feed line through the pipeline
func (s *Service) HandleLine(line string) {
	t, err := s.decoder.Decode(line)
	if err != nil {
		s.decodeErrors.Add(1)
		var formatErr *beacon.FormatError
		if errors.As(err, &formatErr) {
			s.logger.Debug("Rejected beacon", logger.String("field", formatErr.Field), logger.String("value", formatErr.Value))
		} else {
			s.logger.Warn("Failed to decode beacon", logger.Error(err))
		}
		return
	}
	if t == nil {
		return
	}

	entry, known := s.registry.Lookup(t.DeviceID)
	if known && !entry.Tracked {
		return
	}

	s.decoded.Add(1)
	s.lastBeacon.Store(t.ReceivedAt.UnixNano())

	changes := s.classifier.Process(*t)
	aircraft := s.buildAircraft(t, entry, known)

	s.mu.Lock()
	s.aircraft[aircraft.DeviceID] = aircraft
	s.mu.Unlock()

	s.persist(aircraft, changes)
	s.broadcast(aircraft, changes)
}

// buildAircraft combines a beacon with the registry entry and the
// classifier's view of the device
func (s *Service) buildAircraft(t *beacon.Telemetry, entry ddb.Aircraft, known bool) *Aircraft {
	a := &Aircraft{
		DeviceID:     t.DeviceID,
		Callsign:     t.Callsign,
		AircraftType: t.AircraftType,
		Latitude:     t.Latitude,
		Longitude:    t.Longitude,
		AltitudeM:    t.AltitudeM,
		SpeedKmh:     t.SpeedKmh,
		Course:       t.Course,
		ClimbRate:    t.ClimbRate,
		TurnRate:     t.TurnRate,
		Station:      t.Station,
		Timestamp:    t.Timestamp,
		LastSeen:     t.ReceivedAt,
	}

	if known {
		if entry.Type != ddb.TypeUnknown {
			a.AircraftType = int(entry.Type)
		}
		if entry.Visible {
			a.Identified = true
			a.Registration = entry.Registration
			a.CompetitionNumber = entry.Callsign
			a.Model = entry.Model
		}
	}
	a.TypeCode = ddb.AircraftType(a.AircraftType).String()

	if t.SpeedKmh > 0 {
		a.MagneticCourse = physics.MagneticCourse(t.Course, t.Latitude, t.Longitude, t.AltitudeM, t.Timestamp)
	}

	events := s.classifier.Events(t.DeviceID)
	if n := len(events); n > 0 {
		a.OnGround = events[n-1].Kind != flightlog.Departure
	} else {
		fl := s.cfg.FlightLog
		a.OnGround = !(t.SpeedKmh > fl.SpeedThresholdKmh && t.AltitudeM > fl.ReferenceAltitudeM+fl.AltitudeMarginM)
	}

	a.InGeofence = s.geofence.Contains(t.Latitude, t.Longitude)
	return a
}

// persist writes the sample and any flight log changes. Failures are logged
// and never stop ingestion.
func (s *Service) persist(a *Aircraft, changes []flightlog.Change) {
	ctx, cancel := context.WithTimeout(s.ctx, storageTimeout)
	defer cancel()

	var position *Position
	if a.InGeofence {
		position = &Position{
			DeviceID:  a.DeviceID,
			Latitude:  a.Latitude,
			Longitude: a.Longitude,
			AltitudeM: a.AltitudeM,
			SpeedKmh:  a.SpeedKmh,
			Course:    a.Course,
			ClimbRate: a.ClimbRate,
			Timestamp: a.Timestamp,
		}
	}

	if err := s.storage.SaveSample(ctx, a, position); err != nil {
		s.logger.Error("Failed to save sample", logger.String("device_id", a.DeviceID), logger.Error(err))
	}

	for _, c := range changes {
		var err error
		switch c.Kind {
		case flightlog.EventAdded:
			err = s.storage.InsertEvent(ctx, toFlightEvent(c))
		case flightlog.LaunchClassified:
			err = s.storage.UpdateLaunch(ctx, c.DeviceID, c.Event.Timestamp, c.Event.WinchLaunch)
		}
		if err != nil {
			s.logger.Error("Failed to store flight event",
				logger.String("device_id", c.DeviceID),
				logger.String("kind", string(c.Event.Kind)),
				logger.Error(err))
		}
	}
}

func (s *Service) broadcast(a *Aircraft, changes []flightlog.Change) {
	if s.wsServer == nil {
		return
	}

	s.wsServer.Broadcast(&websocket.Message{
		Type: websocket.MessageTypeAircraftUpdate,
		Data: map[string]any{"aircraft": a},
	})

	for _, c := range changes {
		data := map[string]any{
			"event":    toFlightEvent(c),
			"change":   changeName(c.Kind),
			"aircraft": a,
		}
		if c.Kind == flightlog.LaunchClassified {
			data["climb_ratio"] = c.ClimbRatio
		}
		s.wsServer.Broadcast(&websocket.Message{Type: websocket.MessageTypeFlightEvent, Data: data})
	}
}

func toFlightEvent(c flightlog.Change) FlightEvent {
	return FlightEvent{
		DeviceID:      c.DeviceID,
		Kind:          string(c.Event.Kind),
		Timestamp:     c.Event.Timestamp,
		WinchLaunch:   c.Event.WinchLaunch,
		LaunchChecked: c.Event.LaunchChecked,
	}
}

func changeName(k flightlog.ChangeKind) string {
	if k == flightlog.LaunchClassified {
		return "launch_classified"
	}
	return "event_added"
}

// cleanupLoop drops aircraft that have not been heard from for a while
func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.removeStale(now)
		}
	}
}

func (s *Service) removeStale(now time.Time) int {
	cutoff := now.Add(-s.cfg.StaleAfter)

	s.mu.Lock()
	var stale []string
	for id, a := range s.aircraft {
		if a.LastSeen.Before(cutoff) {
			stale = append(stale, id)
			delete(s.aircraft, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.classifier.Forget(id)
	}
	if len(stale) > 0 {
		s.logger.Debug("Removed stale aircraft", logger.Int("count", len(stale)))
	}
	return len(stale)
}

// GetAllAircraft returns the last known state of every tracked aircraft,
// ordered by device id
func (s *Service) GetAllAircraft() []*Aircraft {
	s.mu.RLock()
	result := make([]*Aircraft, 0, len(s.aircraft))
	for _, a := range s.aircraft {
		copied := *a
		result = append(result, &copied)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}

// GetAircraft returns the last known state of one aircraft
func (s *Service) GetAircraft(deviceID string) (*Aircraft, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.aircraft[deviceID]
	if !ok {
		return nil, false
	}
	copied := *a
	return &copied, true
}

// LastKnownAircraft returns the live state of an aircraft or, once it has
// been evicted or the process restarted, the state last written to storage.
// The current registry flags still apply to stored state.
func (s *Service) LastKnownAircraft(ctx context.Context, deviceID string) (*Aircraft, bool, error) {
	if a, ok := s.GetAircraft(deviceID); ok {
		return a, true, nil
	}

	a, ok, err := s.storage.GetAircraft(ctx, deviceID)
	if err != nil || !ok {
		return nil, false, err
	}

	if entry, known := s.registry.Lookup(deviceID); known {
		if !entry.Tracked {
			return nil, false, nil
		}
		if !entry.Visible {
			a.Identified = false
			a.Registration = ""
			a.CompetitionNumber = ""
			a.Model = ""
		}
	}
	return a, true, nil
}

// LookupRegistry returns the registry entry of a device
func (s *Service) LookupRegistry(deviceID string) (ddb.Aircraft, bool) {
	return s.registry.Lookup(deviceID)
}

// GetEvents returns stored flight events of one device, or of all devices
// when deviceID is empty
func (s *Service) GetEvents(ctx context.Context, deviceID string, since time.Time) ([]FlightEvent, error) {
	return s.storage.GetEvents(ctx, deviceID, since)
}

// GetPath returns the recorded path of a device, limited to the most recent
// samples
func (s *Service) GetPath(ctx context.Context, deviceID string) ([]Position, error) {
	return s.storage.GetPositions(ctx, deviceID, s.cfg.Airfield.MaxPositionsInAPI)
}

// GetFlights pairs the stored departures since the given time with the
// landing that follows them
func (s *Service) GetFlights(ctx context.Context, since time.Time) ([]Flight, error) {
	events, err := s.storage.GetEvents(ctx, "", since)
	if err != nil {
		return nil, err
	}

	flights := PairFlights(events)
	for i := range flights {
		if entry, ok := s.registry.Lookup(flights[i].DeviceID); ok && entry.Visible {
			flights[i].Registration = entry.Registration
			flights[i].Callsign = entry.Callsign
			flights[i].Model = entry.Model
		}
	}
	return flights, nil
}

// PairFlights turns a chronological event list into flights. A landing
// without a preceding departure is ignored.
func PairFlights(events []FlightEvent) []Flight {
	open := make(map[string]int)
	flights := make([]Flight, 0)

	for _, e := range events {
		switch flightlog.EventKind(e.Kind) {
		case flightlog.Departure:
			method := LaunchPending
			if e.LaunchChecked {
				method = LaunchOther
				if e.WinchLaunch {
					method = LaunchWinch
				}
			}
			flights = append(flights, Flight{
				DeviceID:     e.DeviceID,
				Departure:    e.Timestamp,
				LaunchMethod: method,
			})
			open[e.DeviceID] = len(flights) - 1
		case flightlog.Landing:
			idx, ok := open[e.DeviceID]
			if !ok {
				continue
			}
			landing := e.Timestamp
			duration := landing.Sub(flights[idx].Departure)
			flights[idx].Landing = &landing
			flights[idx].Duration = &duration
			delete(open, e.DeviceID)
		}
	}
	return flights
}

// Status summarises the pipeline
func (s *Service) Status(ctx context.Context) Status {
	stats := s.client.Stats()

	s.mu.RLock()
	tracked := len(s.aircraft)
	s.mu.RUnlock()

	status := Status{
		FeedState:       stats.State,
		Connects:        stats.Connects,
		LinesReceived:   stats.Lines,
		LinesDropped:    stats.Dropped,
		BeaconsDecoded:  s.decoded.Load(),
		DecodeErrors:    s.decodeErrors.Load(),
		AircraftTracked: tracked,
		RegistryEntries: s.registry.Len(),
	}
	if ns := s.lastBeacon.Load(); ns > 0 {
		status.LastBeaconTime = time.Unix(0, ns).UTC()
	}
	if s.wsServer != nil {
		status.WebSocketClients = s.wsServer.ClientCount()
	}
	if n, err := s.storage.CountAircraft(ctx); err != nil {
		s.logger.Warn("Failed to count stored aircraft", logger.Error(err))
	} else {
		status.AircraftStored = n
	}
	return status
}
