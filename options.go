package deskqueue

import (
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Option interface {
	apply(opts *options)
}

type OptionFunc func(*options)

func (f OptionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	meterProvider metric.MeterProvider
	now           func() time.Time
	newToken      func() string
}

func defaultOptions() *options {
	return &options{
		meterProvider: otel.GetMeterProvider(),
		now:           time.Now,
		newToken:      uuid.NewString,
	}
}

// WithMeterProvider provides OpenTelemetry meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return OptionFunc(func(opts *options) {
		opts.meterProvider = provider
	})
}

// WithClock replaces the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return OptionFunc(func(opts *options) {
		opts.now = now
	})
}

// WithSessionTokenGenerator replaces how desk session tokens are minted.
func WithSessionTokenGenerator(newToken func() string) Option {
	return OptionFunc(func(opts *options) {
		opts.newToken = newToken
	})
}

func newOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt.apply(o)
	}
	return o
}
