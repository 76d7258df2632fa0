package domain

import "time"

// DispatchConfig bounds the work a single inbound call may cause.
type DispatchConfig struct {
	MaxAttempts    int           `env:"DISPATCH_MAX_ATTEMPTS"    envDefault:"3"`
	AttemptTimeout time.Duration `env:"DISPATCH_ATTEMPT_TIMEOUT" envDefault:"60s"`
	MaxBodyBytes   int64         `env:"DISPATCH_MAX_BODY_BYTES"  envDefault:"10485760"`

	// StreamIdleTimeout ends a stream after this long without data. Zero uses AttemptTimeout.
	StreamIdleTimeout time.Duration `env:"DISPATCH_STREAM_IDLE_TIMEOUT" envDefault:"60s"`
}
