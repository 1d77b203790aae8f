package session

import (
	"log/slog"
	"time"
)

// Options configures a Session.
type Options struct {
	PollInterval      time.Duration // keepalive status poll while connected
	CommandTimeout    time.Duration // acknowledgement wait per attempt
	CommandRetries    int           // extra attempts after the first, single commands only
	RetryBackoff      time.Duration // linear step between retries
	CommandSpacing    time.Duration // minimum gap between consecutive writes
	ConnectAttempts   int           // attempts per connect round
	ConnectBaseDelay  time.Duration // first connect backoff, doubled per failed attempt
	ConnectMaxDelay   time.Duration // connect backoff cap
	AutoReconnect     bool          // start another connect round after a failed one
	ReconnectInterval time.Duration // pause between connect rounds
	IdleTimeout       time.Duration // release an idle link; 0 keeps it
	QueueSize         int           // max commands waiting to be sent
	Logger            *slog.Logger
}

// DefaultOptions returns the timings the diffuser is known to tolerate.
func DefaultOptions() Options {
	return Options{
		PollInterval:      5 * time.Second,
		CommandTimeout:    2 * time.Second,
		CommandRetries:    3,
		RetryBackoff:      250 * time.Millisecond,
		CommandSpacing:    200 * time.Millisecond,
		ConnectAttempts:   3,
		ConnectBaseDelay:  time.Second,
		ConnectMaxDelay:   6 * time.Second,
		AutoReconnect:     true,
		ReconnectInterval: 30 * time.Second,
		QueueSize:         16,
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = def.CommandTimeout
	}
	if o.CommandRetries < 0 {
		o.CommandRetries = 0
	}
	if o.CommandRetries > 255 {
		o.CommandRetries = 255
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	if o.CommandSpacing < 0 {
		o.CommandSpacing = 0
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = def.ConnectAttempts
	}
	if o.ConnectBaseDelay <= 0 {
		o.ConnectBaseDelay = def.ConnectBaseDelay
	}
	if o.ConnectMaxDelay < o.ConnectBaseDelay {
		o.ConnectMaxDelay = o.ConnectBaseDelay
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = def.ReconnectInterval
	}
	if o.IdleTimeout < 0 {
		o.IdleTimeout = 0
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// growConnectDelay returns the connect delay after a failed attempt: base
// from rest, otherwise doubled, capped at max.
func growConnectDelay(cur, base, max time.Duration) time.Duration {
	if cur <= 0 {
		return base
	}
	if cur > max/2 {
		return max
	}
	return cur * 2
}

// relaxConnectDelay shrinks the carried connect delay to three quarters
// after a successful connect.
func relaxConnectDelay(cur time.Duration) time.Duration {
	return cur * 3 / 4
}

// retryDelay returns the linear backoff before retry n (1-based).
func retryDelay(attempt int, step time.Duration) time.Duration {
	return time.Duration(attempt) * step
}
