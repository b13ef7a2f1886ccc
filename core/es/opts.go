package es

import (
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// IDGenerator is a function that generates unique IDs for events.
type IDGenerator func() string

// DefaultIDGenerator returns the default ID generator using nanoid.
func DefaultIDGenerator() IDGenerator {
	return func() string { return gonanoid.Must() }
}

// Clock returns the current time. Logs use it to stamp RecordedAt.
type Clock func() time.Time

func DefaultClock() Clock { return func() time.Time { return time.Now().UTC() } }

type (
	valueOption[T any] struct{ v T }
	LogOption          valueOption[*slog.Logger]
	MetricsOption      valueOption[Metrics]
	IDGeneratorOption  valueOption[IDGenerator]
	ClockOption        valueOption[Clock]

	// Option configures the Coordinator, the Reconstructor and the in-memory log.
	Option interface{ applyToOptions(*options) }

	options struct {
		log         *slog.Logger
		metrics     Metrics
		idGenerator IDGenerator
		clock       Clock
	}
)

func WithLog(l *slog.Logger) LogOption                { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption             { return MetricsOption{v: m} }
func WithIDGenerator(g IDGenerator) IDGeneratorOption { return IDGeneratorOption{v: g} }
func WithClock(c Clock) ClockOption                   { return ClockOption{v: c} }

func (o LogOption) applyToOptions(opts *options)         { opts.log = o.v }
func (o MetricsOption) applyToOptions(opts *options)     { opts.metrics = o.v }
func (o IDGeneratorOption) applyToOptions(opts *options) { opts.idGenerator = o.v }
func (o ClockOption) applyToOptions(opts *options)       { opts.clock = o.v }

func newOptions(opts ...Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt.applyToOptions(&o)
		}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = NopMetrics()
	}
	if o.idGenerator == nil {
		o.idGenerator = DefaultIDGenerator()
	}
	if o.clock == nil {
		o.clock = DefaultClock()
	}
	return o
}

// LoggerFromOptions returns the logger configured by opts, or slog.Default.
func LoggerFromOptions(opts ...Option) *slog.Logger { return newOptions(opts...).log }
