// Package session runs the capture pipeline of one camera: a producer loop
// moving frames from the source into a single-slot mailbox and a broadcast
// loop publishing the newest frame to subscribers on a fixed cadence.
package session

import (
	"context"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"asicast/internal/control"
	"asicast/internal/encode"
	"asicast/internal/mailbox"
	"asicast/internal/source"
)

// Defaults
const (
	DefaultTopic           = "images"
	DefaultPublishInterval = time.Second
	DefaultTickInterval    = 10 * time.Millisecond
	DefaultAcquireTimeout  = 500 * time.Millisecond
)

// Broadcaster delivers payloads to everyone subscribed to a topic.
// Publish must not block on slow subscribers.
type Broadcaster interface {
	Publish(topic string, payload []byte) int
}

// ControlStore persists control values set by clients
type ControlStore interface {
	SaveControl(ctx context.Context, id control.ID, value int64) error
	DeleteControl(ctx context.Context, id control.ID) error
}

// Clock abstracts time for the producer throttle
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// OutputMode selects what the broadcast loop renders
type OutputMode int32

const (
	OutputPreview OutputMode = iota
	OutputHistogram
)

func (m OutputMode) String() string {
	if m == OutputHistogram {
		return "histogram"
	}
	return "preview"
}

// Option configures a Session
type Option func(*Session)

// WithClock replaces the wall clock used for publish throttling
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithPublishInterval sets the minimum time between two frame publishes
func WithPublishInterval(d time.Duration) Option {
	return func(s *Session) { s.SetPublishInterval(d) }
}

// WithTickInterval sets the broadcast loop period
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithAcquireTimeout bounds each AcquireFrame call
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.acquireTimeout = d
		}
	}
}

// WithTopic sets the broadcast topic
func WithTopic(topic string) Option {
	return func(s *Session) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithEncoders sets the preview and histogram encoders
func WithEncoders(preview, histogram encode.Encoder) Option {
	return func(s *Session) {
		s.preview = preview
		s.histogram = histogram
	}
}

// WithStore persists control changes made by clients
func WithStore(store ControlStore) Option {
	return func(s *Session) { s.store = store }
}

// WithControlDefaults overrides the built-in control defaults. Controls
// start at these values and ResetControl returns to them.
func WithControlDefaults(values map[control.ID]int64) Option {
	return func(s *Session) {
		for id, v := range values {
			if id.Valid() {
				s.defaults[id] = v
			}
		}
	}
}

// WithOnDemand streams only while at least one subscriber is connected
func WithOnDemand(enabled bool) Option {
	return func(s *Session) { s.onDemand = enabled }
}

// WithFrameListener receives every encoded image as raw JPEG bytes, before
// the text encoding for the broadcaster. fn must not retain or modify data
// beyond the call unless it copies.
func WithFrameListener(fn func(data []byte)) Option {
	return func(s *Session) { s.listeners = append(s.listeners, fn) }
}

// snapshot is the last payload handed to the broadcaster, before base64
type snapshot struct {
	data []byte
	seq  uint64
	at   time.Time
}

// Session owns the frame slot and control exchanges shared between the
// producer, the broadcaster and the network side
type Session struct {
	id          string
	source      source.FrameSource
	broadcaster Broadcaster
	controls    *control.Set
	defaults    map[control.ID]int64
	slot        *mailbox.FrameSlot
	preview     encode.Encoder
	histogram   encode.Encoder
	store       ControlStore
	listeners   []func(data []byte)
	clock       Clock
	logger      zerolog.Logger

	topic           string
	tickInterval    time.Duration
	acquireTimeout  time.Duration
	publishInterval atomic.Int64
	output          atomic.Int32

	onDemand      bool
	wantStreaming mailbox.ScalarExchange[bool]
	wake          chan struct{}
	streaming     atomic.Bool

	last  atomic.Pointer[snapshot]
	stats counters
}

// New creates a session. Controls start at their defaults and are pushed to
// the source on the first producer iteration.
func New(src source.FrameSource, bc Broadcaster, logger zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		id:             uuid.NewString(),
		source:         src,
		broadcaster:    bc,
		controls:       control.NewSet(),
		defaults:       maps.Clone(control.Defaults),
		slot:           mailbox.NewFrameSlot(),
		clock:          systemClock{},
		logger:         logger.With().Str("component", "Session").Logger(),
		topic:          DefaultTopic,
		tickInterval:   DefaultTickInterval,
		acquireTimeout: DefaultAcquireTimeout,
		wake:           make(chan struct{}, 1),
	}
	s.publishInterval.Store(int64(DefaultPublishInterval))
	for _, opt := range opts {
		opt(s)
	}
	if s.preview == nil {
		s.preview = encode.NewJPEGEncoder(encode.DefaultQuality, 0)
	}
	if s.histogram == nil {
		jpeg, ok := s.preview.(*encode.JPEGEncoder)
		if !ok {
			jpeg = encode.NewJPEGEncoder(encode.DefaultQuality, 0)
		}
		s.histogram = encode.NewHistogramEncoder(jpeg)
	}
	s.controls.Seed(s.defaults)
	return s
}

// ID returns the unique id of this session
func (s *Session) ID() string { return s.id }

// Controls returns the control exchanges
func (s *Session) Controls() *control.Set { return s.controls }

// Slot returns the frame mailbox
func (s *Session) Slot() *mailbox.FrameSlot { return s.slot }

// Topic returns the broadcast topic
func (s *Session) Topic() string { return s.topic }

// Streaming reports whether the source is currently streaming
func (s *Session) Streaming() bool { return s.streaming.Load() }

// SetPublishInterval changes the producer throttle while running
func (s *Session) SetPublishInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.publishInterval.Store(int64(d))
}

// PublishInterval returns the producer throttle
func (s *Session) PublishInterval() time.Duration {
	return time.Duration(s.publishInterval.Load())
}

// OutputMode returns what the broadcaster currently renders
func (s *Session) OutputMode() OutputMode {
	return OutputMode(s.output.Load())
}

// ToggleOutput switches between preview and histogram output
func (s *Session) ToggleOutput() OutputMode {
	for {
		old := s.output.Load()
		next := int32(OutputPreview)
		if OutputMode(old) == OutputPreview {
			next = int32(OutputHistogram)
		}
		if s.output.CompareAndSwap(old, next) {
			return OutputMode(next)
		}
	}
}

// SetSubscribers tells an on-demand session how many clients are connected
func (s *Session) SetSubscribers(n int) {
	if !s.onDemand {
		return
	}
	s.wantStreaming.Set(n > 0)
	s.poke()
}

func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the last encoded image sent to subscribers
func (s *Session) Snapshot() ([]byte, time.Time, bool) {
	snap := s.last.Load()
	if snap == nil {
		return nil, time.Time{}, false
	}
	return snap.data, snap.at, true
}

// Run starts streaming and runs both loops until ctx is done. The broadcast
// loop stops first, then the producer, then the source stops streaming.
// The source itself is left open for the caller to close.
func (s *Session) Run(ctx context.Context) error {
	if !s.onDemand {
		if err := s.source.StartStreaming(); err != nil {
			return fmt.Errorf("start streaming: %w", err)
		}
		s.streaming.Store(true)
	}

	producerCtx, stopProducer := context.WithCancel(context.Background())
	defer stopProducer()

	producerDone := make(chan error, 1)
	go func() {
		producerDone <- s.RunProducer(producerCtx)
	}()

	s.logger.Info().
		Str("session", s.id).
		Str("topic", s.topic).
		Dur("publish_interval", s.PublishInterval()).
		Dur("tick", s.tickInterval).
		Bool("on_demand", s.onDemand).
		Msg("session started")

	broadcastErr := s.RunBroadcaster(ctx)
	s.logger.Debug().Msg("broadcast loop stopped")

	stopProducer()
	producerErr := <-producerDone
	s.logger.Debug().Msg("producer loop stopped")

	var stopErr error
	if s.streaming.Swap(false) {
		stopErr = s.source.StopStreaming()
	}
	s.logger.Info().Str("session", s.id).Msg("session stopped")

	for _, err := range []error{broadcastErr, producerErr, stopErr} {
		if err != nil {
			return err
		}
	}
	return nil
}
