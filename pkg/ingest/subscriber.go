// Package ingest feeds alerts published on NATS into the guardrail enforcer.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/playbooks/pkg/config"
	"github.com/openfroyo/playbooks/pkg/engine"
	"github.com/openfroyo/playbooks/pkg/guardrails"
)

// Ingestion results reported to Metrics.
const (
	ResultAccepted  = "accepted"
	ResultMalformed = "malformed"
	ResultFailed    = "failed"
)

// ErrMalformed wraps alerts that cannot be decoded.
var ErrMalformed = errors.New("malformed alert")

// ErrDrainTimeout is returned by Stop when the connection did not close in time.
var ErrDrainTimeout = errors.New("timed out draining NATS connection")

const defaultDrainTimeout = 30 * time.Second

// Evaluator decides what to do with an alert. *guardrails.Enforcer satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, alert *engine.Alert) ([]guardrails.Decision, error)
}

// Metrics receives one result per handled message.
type Metrics interface {
	RecordAlertIngested(result string)
}

// Subscriber consumes alerts from a NATS subject.
type Subscriber struct {
	cfg       config.IngestConfig
	evaluator Evaluator
	metrics   Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	nc     *nats.Conn
	sub    *nats.Subscription
	closed chan struct{}
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Subscriber) {
		s.logger = logger.With().Str("component", "ingest").Logger()
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Subscriber) {
		s.metrics = m
	}
}

// WithClock overrides the receive timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) {
		s.now = now
	}
}

// NewSubscriber creates a subscriber. Call Start or Run to connect.
func NewSubscriber(cfg config.IngestConfig, evaluator Evaluator, opts ...Option) *Subscriber {
	s := &Subscriber{
		cfg:       cfg,
		evaluator: evaluator,
		logger:    zerolog.Nop(),
		now:       time.Now,
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects to NATS and subscribes. Messages are handled with ctx's values;
// cancelling ctx does not abort messages still being drained.
func (s *Subscriber) Start(ctx context.Context) error {
	nc, err := nats.Connect(s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DrainTimeout(s.drainTimeout()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.cfg.URL, err)
	}
	return s.StartWithConn(ctx, nc)
}

// StartWithConn subscribes on an existing connection, which the subscriber then owns.
func (s *Subscriber) StartWithConn(ctx context.Context, nc *nats.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sub *nats.Subscription
		err error
	)
	s.ctx = context.WithoutCancel(ctx)
	if s.cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.HandleMessage)
	} else {
		sub, err = nc.Subscribe(s.cfg.Subject, s.HandleMessage)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Subject, err)
	}
	closed := make(chan struct{})
	var once sync.Once
	nc.SetClosedHandler(func(*nats.Conn) {
		once.Do(func() { close(closed) })
	})
	if nc.IsClosed() {
		once.Do(func() { close(closed) })
	}
	s.nc = nc
	s.sub = sub
	s.closed = closed

	s.logger.Info().Str("subject", s.cfg.Subject).Str("queue", s.cfg.Queue).Msg("Subscribed to alerts")
	return nil
}

// Run starts the subscriber and blocks until ctx is done, then drains.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop drains the subscription and blocks until in-flight messages are handled
// and the connection is closed.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	nc, closed := s.nc, s.closed
	s.nc = nil
	s.sub = nil
	s.closed = nil
	s.mu.Unlock()
	if nc == nil {
		return nil
	}

	if err := nc.Drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		nc.Close()
		return err
	}
	return awaitClosed(closed, s.drainTimeout()+time.Second)
}

func (s *Subscriber) drainTimeout() time.Duration {
	if s.cfg.DrainTimeout > 0 {
		return s.cfg.DrainTimeout
	}
	return defaultDrainTimeout
}

func awaitClosed(closed <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-closed:
		return nil
	case <-timer.C:
		return ErrDrainTimeout
	}
}

// HandleMessage is the NATS message handler. Request messages get the decisions as reply.
func (s *Subscriber) HandleMessage(msg *nats.Msg) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	decisions, err := s.Handle(ctx, msg.Data)
	if msg.Reply == "" {
		return
	}

	reply := struct {
		Decisions []guardrails.Decision `json:"decisions,omitempty"`
		Error     string                `json:"error,omitempty"`
	}{Decisions: decisions}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to reply to alert request")
	}
}

// Handle decodes one alert and evaluates it. Malformed alerts are dropped with ErrMalformed.
func (s *Subscriber) Handle(ctx context.Context, data []byte) ([]guardrails.Decision, error) {
	alert, err := DecodeAlert(data)
	if err != nil {
		s.record(ResultMalformed)
		s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed alert")
		return nil, err
	}
	if alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = s.now().UTC()
	}

	decisions, err := s.evaluator.Evaluate(ctx, alert)
	if err != nil {
		s.record(ResultFailed)
		s.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("Failed to evaluate alert")
		return nil, err
	}
	s.record(ResultAccepted)

	dispatched := 0
	for _, d := range decisions {
		if d.Dispatched() {
			dispatched++
		}
	}
	s.logger.Debug().
		Str("alert_id", alert.ID).
		Int("bindings", len(decisions)).
		Int("dispatched", dispatched).
		Msg("Alert evaluated")
	return decisions, nil
}

func (s *Subscriber) record(result string) {
	if s.metrics != nil {
		s.metrics.RecordAlertIngested(result)
	}
}

// DecodeAlert parses the JSON form of an alert. An id is required.
func DecodeAlert(data []byte) (*engine.Alert, error) {
	var alert engine.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	alert.ID = strings.TrimSpace(alert.ID)
	if alert.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrMalformed)
	}
	return &alert, nil
}
