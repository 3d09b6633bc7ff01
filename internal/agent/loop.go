// Package agent implements the telemetry agent's control loop.
//
// Each cycle runs the same fixed sequence on a single goroutine:
//
//  1. Bring the link up: initialize the co-processor if needed, check
//     association, and re-associate with the bounded retry policy.
//  2. Tick the broker session and pump its keepalive.
//  3. Sample the sensor, validate, encode and publish.
//  4. Drain pending RFID detections.
//
// Cancellation is only observed between steps and inside the sleeps
// the link and session managers take.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/nugget/envlink/internal/link"
	"github.com/nugget/envlink/internal/metrics"
	"github.com/nugget/envlink/internal/sensor"
	"github.com/nugget/envlink/internal/session"
	"github.com/nugget/envlink/internal/telemetry"
)

// HardwarePolicy decides what happens when the co-processor is absent.
type HardwarePolicy string

const (
	// PolicyRetry keeps running in degraded mode and re-probes the
	// co-processor every cycle.
	PolicyRetry HardwarePolicy = "retry"
	// PolicyHalt stops the loop and returns the error.
	PolicyHalt HardwarePolicy = "halt"
)

// DefaultSampleInterval matches the firmware's publish cadence.
const DefaultSampleInterval = 5 * time.Second

// maxTagsPerCycle bounds how many queued detections one cycle drains.
const maxTagsPerCycle = 16

// Link is the link manager as seen by the loop.
type Link interface {
	Initialize(ctx context.Context, cfg link.Config) error
	Associate(ctx context.Context, cfg link.Config, maxAttempts int, retryDelay time.Duration) error
	Refresh(ctx context.Context) error
	IsAssociated() bool
	State() link.State
	LocalAddress() (netip.Addr, bool)
}

// Session is the broker session manager as seen by the loop.
type Session interface {
	Tick(ctx context.Context) session.State
	PumpKeepalive(ctx context.Context) session.State
	Publish(ctx context.Context, topic string, payload []byte) error
	State() session.State
	Close(ctx context.Context) error
}

// Config holds the loop's settings.
type Config struct {
	SiteID              string
	Link                link.Config
	AssociateAttempts   int
	AssociateRetryDelay time.Duration
	SampleInterval      time.Duration
	HardwarePolicy      HardwarePolicy
	// PublishTags forwards RFID detections to the broker in addition to
	// logging them.
	PublishTags bool
}

// Loop is the agent orchestrator. It owns no connections itself; the
// link and session managers are injected.
type Loop struct {
	cfg      Config
	link     Link
	session  Session
	source   sensor.Source
	tags     sensor.TagReader
	metrics  *metrics.Collectors
	counters *DailyCounters
	logger   *slog.Logger

	// now is replaceable for tests.
	now func() time.Time

	initialized bool
}

// New creates a Loop. tags may be nil when no RFID reader is attached;
// m may be nil to disable metrics.
func New(cfg Config, l Link, s Session, src sensor.Source, tags sensor.TagReader, m *metrics.Collectors, counters *DailyCounters, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if tags == nil {
		tags = sensor.NopTagReader{}
	}
	if counters == nil {
		counters = NewDailyCounters(nil)
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.HardwarePolicy == "" {
		cfg.HardwarePolicy = PolicyRetry
	}
	return &Loop{
		cfg:      cfg,
		link:     l,
		session:  s,
		source:   src,
		tags:     tags,
		metrics:  m,
		counters: counters,
		logger:   logger,
		now:      time.Now,
	}
}

// Counters returns the loop's daily counters.
func (l *Loop) Counters() *DailyCounters {
	return l.counters
}

// Run executes a cycle immediately and then once per SampleInterval
// until ctx is cancelled. On cancellation it closes the broker session
// and returns nil. With [PolicyHalt] an absent co-processor ends the
// loop with an error wrapping [link.ErrHardwareAbsent].
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("agent loop started",
		"site_id", l.cfg.SiteID,
		"interval", l.cfg.SampleInterval.String(),
		"hardware_policy", string(l.cfg.HardwarePolicy),
	)

	ticker := time.NewTicker(l.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		if err := l.Cycle(ctx); err != nil {
			l.shutdown()
			return err
		}
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) shutdown() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.session.Close(closeCtx); err != nil {
		l.logger.Warn("broker session close failed", "error", err)
	}

	today := l.counters.Snapshot()
	l.logger.Info("agent loop stopped",
		"published_today", today.Published,
		"dropped_today", today.Dropped,
		"invalid_today", today.Invalid,
		"tags_today", today.Tags,
	)
}

// Cycle runs one pass of the loop. It only returns an error when the
// hardware policy says to halt.
func (l *Loop) Cycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		l.metrics.SetStates(int(l.link.State()), int(l.session.State()))
		l.metrics.ObserveCycle(time.Since(start).Seconds())
	}()

	if err := l.ensureLink(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	l.session.Tick(ctx)
	l.session.PumpKeepalive(ctx)

	l.sample(ctx)
	l.pollTags(ctx)
	return nil
}

func (l *Loop) ensureLink(ctx context.Context) error {
	if !l.initialized {
		if err := l.link.Initialize(ctx, l.cfg.Link); err != nil {
			if errors.Is(err, link.ErrHardwareAbsent) && l.cfg.HardwarePolicy == PolicyHalt {
				return fmt.Errorf("halting: %w", err)
			}
			l.logger.Error("wifi co-processor unavailable, running degraded", "error", err)
			return nil
		}
		l.initialized = true
	}

	if l.link.IsAssociated() {
		if err := l.link.Refresh(ctx); err != nil {
			// The radio stopped answering; re-probe next cycle.
			l.logger.Warn("wifi status check failed", "error", err)
			l.initialized = false
			return nil
		}
		if l.link.IsAssociated() {
			return nil
		}
	}

	err := l.link.Associate(ctx, l.cfg.Link, l.cfg.AssociateAttempts, l.cfg.AssociateRetryDelay)
	switch {
	case err == nil:
		l.metrics.IncAssociations()
		addr, _ := l.link.LocalAddress()
		l.logger.Info("wifi link up", "ssid", l.cfg.Link.SSID, "address", addr)
	case errors.Is(err, link.ErrAssociationTimeout):
		l.logger.Warn("wifi association gave up, retrying next cycle", "error", err)
	case errors.Is(err, link.ErrNotInitialized):
		l.initialized = false
	case ctx.Err() != nil:
	default:
		l.logger.Warn("wifi association failed", "error", err)
	}
	return nil
}

func (l *Loop) sample(ctx context.Context) {
	m, ok := l.source.Read(ctx)
	if !ok {
		l.logger.Warn("sensor read failed, reading dropped")
		l.counters.OnInvalid()
		l.metrics.IncDropped(metrics.ReasonSensor)
		return
	}

	r := telemetry.Reading{
		SiteID:      l.cfg.SiteID,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		Timestamp:   uint64(l.now().Unix()),
	}
	payload, err := telemetry.Encode(r)
	if err != nil {
		l.logger.Warn("invalid reading dropped",
			"temperature", m.Temperature,
			"humidity", m.Humidity,
			"error", err,
		)
		l.counters.OnInvalid()
		l.metrics.IncDropped(metrics.ReasonInvalid)
		return
	}
	l.metrics.ObserveReading(m.Temperature, m.Humidity)

	topic := telemetry.TopicFor(l.cfg.SiteID)
	err = l.session.Publish(ctx, topic, payload)
	switch {
	case err == nil:
		l.counters.OnPublished()
		l.metrics.IncPublished()
		l.logger.Info("reading published",
			"topic", topic,
			"temperature", m.Temperature,
			"humidity", m.Humidity,
		)
	case errors.Is(err, session.ErrNotConnected):
		l.counters.OnDropped()
		l.metrics.IncDropped(metrics.ReasonNotConnected)
		l.logger.Debug("reading dropped, broker session not connected",
			"temperature", m.Temperature,
			"humidity", m.Humidity,
		)
	default:
		l.counters.OnDropped()
		l.metrics.IncDropped(metrics.ReasonTransport)
		l.logger.Warn("reading publish failed", "topic", topic, "error", err)
	}
}

func (l *Loop) pollTags(ctx context.Context) {
	for range maxTagsPerCycle {
		ev, ok := l.tags.PollForTag()
		if !ok {
			return
		}
		l.counters.OnTag()
		l.metrics.IncTags()
		l.logger.Info("rfid tag detected", "reader", ev.ReaderLabel, "uid", ev.UIDString())

		if !l.cfg.PublishTags {
			continue
		}
		topic := telemetry.TagTopicFor(ev.ReaderLabel)
		if err := l.session.Publish(ctx, topic, telemetry.EncodeTag(ev, uint64(l.now().Unix()))); err != nil {
			l.logger.Debug("tag publish skipped", "topic", topic, "error", err)
		}
	}
}
