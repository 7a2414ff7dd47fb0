// Package aprs maintains the APRS-IS connection to the OGN servers and
// publishes every aircraft line it receives to subscribers.
package aprs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yegors/co-ogn/internal/config"
	"github.com/yegors/co-ogn/pkg/logger"
)

const (
	// Server-generated lines carry this marker in their path
	relayMarker = "TCPIP*"

	keepAliveLine     = "#keepalive"
	keepAliveDeadline = 10 * time.Second
)

var (
	// ErrClosed is returned by Start once the client has been closed
	ErrClosed = errors.New("aprs client closed")

	errStreamClosed = errors.New("stream closed by server")
)

// State is the connection state of the client
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReading
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of the client counters
type Stats struct {
	State        string    `json:"state"`
	Connects     int64     `json:"connects"`
	Lines        int64     `json:"lines"`
	Dropped      int64     `json:"dropped"`
	Subscribers  int       `json:"subscribers"`
	LastLineTime time.Time `json:"last_line_time"`
}

// Client is a long-running APRS-IS client that reconnects with exponential
// backoff and keeps the connection alive with periodic comment lines
type Client struct {
	cfg               config.APRSConfig
	keepAliveInterval time.Duration
	logger            *logger.Logger

	dial  func(ctx context.Context, address string) (net.Conn, error)
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	closeOnce sync.Once
	subs      *broker

	state    atomic.Int32
	connects atomic.Int64
	lines    atomic.Int64
	lastLine atomic.Int64 // unix nanos
}

// NewClient creates a client for the configured APRS server. The
// configuration is validated when the client is started.
func NewClient(cfg config.APRSConfig, log *logger.Logger) *Client {
	cfg.ApplyDefaults()

	dialer := &net.Dialer{Timeout: time.Duration(cfg.DialTimeoutSecs) * time.Second}

	c := &Client{
		cfg:               cfg,
		keepAliveInterval: time.Duration(cfg.KeepAliveSecs) * time.Second,
		logger:            log.Named("aprs"),
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		},
		sleep: sleepContext,
	}
	c.subs = newBroker(cfg.SubscriberBufSize, c.logger)
	return c
}

// Start validates the configuration and launches the connection loop in the
// background. The returned channel is closed when the loop has exited.
// Calling Start while the loop is running returns the same channel; once the
// loop has ended because ctx was cancelled, Start launches a new one.
func (c *Client) Start(ctx context.Context) (<-chan struct{}, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.done != nil {
		return c.done, nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(loopCtx, c.done)

	c.logger.Info("APRS client started",
		logger.String("server", c.address()),
		logger.String("filter", c.filter()),
	)
	return c.done, nil
}

// Subscribe registers fn to receive every line published from now on.
// Lines published before the call are not replayed.
func (c *Client) Subscribe(fn func(line string)) (unsubscribe func()) {
	return c.subs.subscribe(fn)
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

// Stats returns the client counters
func (c *Client) Stats() Stats {
	var last time.Time
	if n := c.lastLine.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return Stats{
		State:        c.State().String(),
		Connects:     c.connects.Load(),
		Lines:        c.lines.Load(),
		Dropped:      c.subs.dropped.Load(),
		Subscribers:  c.subs.count(),
		LastLineTime: last,
	}
}

// Close stops the connection loop, waits for it to exit and releases all
// subscribers. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel, done := c.cancel, c.done
		c.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		c.subs.close()
		c.setState(StateStopped)
		c.logger.Info("APRS client stopped")
	})
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer c.finish(done)

	bo := newBackoff(initialBackoff, maxBackoff)

	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		err := c.session(ctx, bo)
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}

		delay := bo.Next()
		c.logger.Warn("APRS connection lost, reconnecting",
			logger.Error(err),
			logger.Duration("backoff", delay),
		)

		if err := c.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// finish marks the loop as ended so that a later Start can launch a new one
func (c *Client) finish(done chan struct{}) {
	c.setState(StateStopped)

	c.mu.Lock()
	if c.done == done {
		c.cancel()
		c.done = nil
		c.cancel = nil
	}
	c.mu.Unlock()

	close(done)
}

// session runs one connection from dial to failure. It always returns a
// non-nil error.
func (c *Client) session(ctx context.Context, bo *backoff) error {
	address := c.address()

	c.logger.Debug("Connecting to APRS server", logger.String("address", address))

	conn, err := c.dial(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, c.loginLine()+"\r\n"); err != nil {
		return fmt.Errorf("failed to send login: %w", err)
	}

	bo.Reset()
	c.connects.Add(1)
	c.setState(StateReading)

	c.logger.Info("Connected to APRS server",
		logger.String("address", address),
		logger.String("user", c.cfg.User),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Closing the socket is the only way to abandon a blocked read
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})

	g.Go(func() error {
		c.keepAlive(gctx, conn)
		return nil
	})

	g.Go(func() error {
		return c.readLoop(conn)
	})

	return g.Wait()
}

func (c *Client) readLoop(conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") || strings.Contains(line, relayMarker) {
			c.logger.Debug("Server line", logger.String("line", line))
			continue
		}

		c.lines.Add(1)
		c.lastLine.Store(time.Now().UnixNano())
		c.subs.publish(line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read failed: %w", err)
	}
	return errStreamClosed
}

func (c *Client) keepAlive(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(keepAliveDeadline))
			if _, err := io.WriteString(conn, keepAliveLine+"\r\n"); err != nil {
				c.logger.Warn("Failed to send keep-alive", logger.Error(err))
				continue
			}
			c.logger.Debug("Sent keep-alive")
		}
	}
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) address() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

func (c *Client) filter() string {
	return fmt.Sprintf("r/%s/%s/%s",
		formatFloat(c.cfg.Latitude),
		formatFloat(c.cfg.Longitude),
		formatFloat(c.cfg.RadiusKm),
	)
}

func (c *Client) loginLine() string {
	return fmt.Sprintf("user %s pass %s vers %s %s filter %s",
		c.cfg.User, c.cfg.Pass, c.cfg.ClientName, c.cfg.ClientVersion, c.filter())
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
