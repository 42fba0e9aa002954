package transport

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/vinayprograms/agentcomm/config"
	"github.com/vinayprograms/agentcomm/errors"
	"github.com/vinayprograms/agentcomm/logging"
	"github.com/vinayprograms/agentcomm/message"
	"github.com/vinayprograms/agentcomm/store"
)

// DialFunc produces a connected realtime transport for an identity.
type DialFunc func(ctx context.Context, identity string) (Transport, error)

// Factory creates connections, choosing the realtime transport when the
// broker is reachable and downgrading to the durable fallback otherwise.
type Factory struct {
	cfg    config.Config
	st     store.Store
	logger *logging.Logger

	dialRealtime DialFunc
}

// NewFactory creates a transport factory on the given fallback store.
func NewFactory(cfg config.Config, st store.Store, logger *logging.Logger) *Factory {
	if logger == nil {
		logger = logging.New()
	}
	f := &Factory{
		cfg:    cfg,
		st:     st,
		logger: logger.WithComponent("factory"),
	}
	f.dialRealtime = f.dialWebSocket
	return f
}

// SetRealtimeDialer replaces the realtime dial function. Intended for
// tests that substitute an in-memory transport.
func (f *Factory) SetRealtimeDialer(dial DialFunc) {
	f.dialRealtime = dial
}

// dialWebSocket performs one realtime connect attempt.
func (f *Factory) dialWebSocket(ctx context.Context, identity string) (Transport, error) {
	rt := NewWebSocketTransport(f.cfg, f.logger)
	if err := rt.Connect(ctx, identity); err != nil {
		return nil, err
	}
	return rt, nil
}

// Dial builds a Connection for an identity. It attempts the realtime
// transport with bounded retries and exponential backoff; on exhaustion
// it downgrades to the fallback store. Only the failure of both paths is
// fatal.
func (f *Factory) Dial(ctx context.Context, identity string) (*Connection, error) {
	if err := message.ValidateIdentity(identity); err != nil {
		return nil, errors.InvalidInput("bad identity", errors.WithCause(err))
	}

	conn := &Connection{
		identity: identity,
		cfg:      f.cfg,
		logger:   f.logger,
		dial:     f.connectRealtime,
		subs:     make(map[string]struct{}),
		recv:     make(chan *message.Message, f.cfg.BufferSize),
		closed:   make(chan struct{}),
	}
	conn.setStatus(StatusConnecting)

	fallback := NewFallbackTransport(f.st)
	if err := fallback.Connect(ctx, identity); err != nil {
		return nil, err
	}
	conn.fallback = fallback

	rt, rtErr := f.connectRealtime(ctx, identity)
	if rtErr == nil {
		conn.realtime = rt
		conn.active = rt
		conn.setStatus(StatusConnected)
		conn.wg.Add(1)
		go conn.runRealtime(rt)
		return conn, nil
	}

	// Realtime exhausted; verify the durable path actually works before
	// accepting a degraded connection.
	if _, err := f.st.Query(identity, 1, time.Now()); err != nil {
		return nil, errors.Connection(
			"no transport available: realtime and fallback both unreachable",
			errors.WithIdentity(identity),
			errors.WithCause(errors.Wrap(rtErr, err.Error())),
		)
	}

	conn.active = fallback
	conn.degradedAt = time.Now()
	conn.setStatus(StatusDegraded)
	f.logger.Downgrade(identity, "realtime connect attempts exhausted")

	conn.wg.Add(1)
	go conn.probeLoop()
	return conn, nil
}

// connectRealtime tries the realtime transport up to the configured
// attempt budget with exponential backoff and jitter.
func (f *Factory) connectRealtime(ctx context.Context, identity string) (Transport, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.ConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "connect canceled")
			case <-time.After(f.backoff(attempt)):
			}
		}

		rt, err := f.dialRealtime(ctx, identity)
		if err == nil {
			return rt, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			break
		}
		f.logger.Debug("realtime connect attempt failed", map[string]interface{}{
			"identity": identity,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		})
	}
	return nil, lastErr
}

// backoff computes the delay before the given attempt: exponential from
// BackoffMin, capped at BackoffMax, with up to 50% jitter.
func (f *Factory) backoff(attempt int) time.Duration {
	d := f.cfg.BackoffMin << uint(attempt-1)
	if d > f.cfg.BackoffMax || d <= 0 {
		d = f.cfg.BackoffMax
	}
	half := d / 2
	return half + rand.N(half+1)
}
