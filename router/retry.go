package router

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/metrics"
	"github.com/cubefs/shardroute/proto"
	"github.com/cubefs/shardroute/router/catalog"
)

const (
	defaultMaxAttempts       = 20
	defaultNoBackoffAttempts = 3
	defaultInitialBackoffMs  = 10
	defaultMaxBackoffMs      = 1000
)

type RetryPolicy struct {
	// MaxAttempts bounds the sends of one operation.
	MaxAttempts int `json:"max_attempts"`
	// NoBackoffAttempts retries are issued right after the refresh.
	NoBackoffAttempts   int     `json:"no_backoff_attempts"`
	InitialBackoffMs    int     `json:"initial_backoff_ms"`
	MaxBackoffMs        int     `json:"max_backoff_ms"`
	RandomizationFactor float64 `json:"randomization_factor"`
}

func (p *RetryPolicy) fillDefault() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.NoBackoffAttempts < 0 {
		p.NoBackoffAttempts = 0
	} else if p.NoBackoffAttempts == 0 {
		p.NoBackoffAttempts = defaultNoBackoffAttempts
	}
	if p.InitialBackoffMs <= 0 {
		p.InitialBackoffMs = defaultInitialBackoffMs
	}
	if p.MaxBackoffMs <= 0 {
		p.MaxBackoffMs = defaultMaxBackoffMs
	}
}

// Sleeper suspends the calling operation only, it must return early when ctx
// is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type retryState int

const (
	stateInitial retryState = iota
	stateStaleShardVersion
	stateStaleEpoch
	stateStaleDbVersion
	stateShardUnknown
	stateExhausted
	stateDone
	stateFailed
)

var retryStateNames = [...]string{
	"initial", "stale_shard_version", "stale_epoch", "stale_db_version",
	"shard_unknown", "exhausted", "done", "failed",
}

func (s retryState) String() string { return retryStateNames[s] }

// retryLoop drives one operation through refresh and resend until it
// succeeds, fails with a non routing error or runs out of attempts.
type retryLoop struct {
	r  *Router
	op *proto.Operation

	state    retryState
	attempts int
	lastErr  error
	backoff  *backoff.ExponentialBackOff
}

func (r *Router) newRetryLoop(op *proto.Operation) *retryLoop {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(r.policy.InitialBackoffMs) * time.Millisecond
	b.MaxInterval = time.Duration(r.policy.MaxBackoffMs) * time.Millisecond
	b.RandomizationFactor = r.policy.RandomizationFactor
	b.MaxElapsedTime = 0
	if r.clock != nil {
		b.Clock = r.clock
	}
	b.Reset()
	return &retryLoop{r: r, op: op, backoff: b}
}

func (l *retryLoop) run(ctx context.Context) (*proto.Result, error) {
	span := trace.SpanFromContextSafe(ctx)
	for {
		switch l.state {
		case stateExhausted:
			return nil, l.exhausted(ctx)
		case stateInitial:
		default:
			if err := l.recover(ctx); err != nil {
				return nil, err
			}
			if err := l.pause(ctx); err != nil {
				return nil, err
			}
		}

		l.attempts++
		result, err := l.send(ctx)
		l.state = nextState(err)
		switch l.state {
		case stateDone:
			return result, nil
		case stateFailed:
			return nil, err
		}

		l.lastErr = err
		metrics.RouterRetries.WithLabelValues(apierrors.CodeOf(err).String()).Inc()
		span.Debugf("attempt %d of %s on %s failed: %s", l.attempts, l.op.Type, l.op.Namespace, err)
		if l.attempts >= l.r.policy.MaxAttempts {
			l.state = stateExhausted
		}
	}
}

func (l *retryLoop) send(ctx context.Context) (*proto.Result, error) {
	info, err := l.r.cache.Resolve(ctx, l.op.Namespace)
	if err != nil {
		return nil, err
	}
	resps, err := fanOut(ctx, l.r.transport, targets(l.op, info))
	if err != nil {
		return nil, err
	}
	return merge(l.op, resps), nil
}

func nextState(err error) retryState {
	if err == nil {
		return stateDone
	}
	switch apierrors.CodeOf(err) {
	case apierrors.CodeStaleShardVersion, apierrors.CodeShardDoesNotOwnRange:
		return stateStaleShardVersion
	case apierrors.CodeStaleEpoch:
		return stateStaleEpoch
	case apierrors.CodeStaleDbVersion:
		return stateStaleDbVersion
	case apierrors.CodeShardUnknown:
		return stateShardUnknown
	}
	return stateFailed
}

// recover brings the cache up to what the last rejection demands. Refresh
// failures end the operation, retrying blind would resend the same version.
func (l *retryLoop) recover(ctx context.Context) error {
	ns := l.op.Namespace
	e, _ := apierrors.AsError(l.lastErr)
	cache := l.r.cache

	switch l.state {
	case stateStaleShardVersion:
		if cached, ok := cache.CachedVersion(ns); ok && !e.Wanted.IsUnsharded() &&
			cached.AtLeast(e.Wanted) && !cached.Equal(e.Received) {
			// someone else already refreshed past what the shard holds
			return nil
		}
		reason := catalog.ReasonStaleShardVersion
		if e.Code == apierrors.CodeShardDoesNotOwnRange {
			reason = catalog.ReasonShardDoesNotOwnRange
		}
		_, err := cache.ForceRefresh(ctx, ns, reason, e.Wanted)
		return err

	case stateStaleEpoch:
		// old ranges mean nothing in the new incarnation
		cache.Invalidate(ctx, ns)
		if e.Received.IsUnsharded() || e.Wanted.IsUnsharded() {
			dbName, _ := proto.SplitNamespace(ns)
			cache.InvalidateDatabase(ctx, dbName)
		}
		return nil

	case stateStaleDbVersion:
		dbName, _ := proto.SplitNamespace(ns)
		cache.Invalidate(ctx, ns)
		_, err := cache.ForceRefreshDatabase(ctx, dbName, catalog.ReasonStaleDbVersion, e.WantedDB)
		return err

	case stateShardUnknown:
		_, err := cache.ForceRefresh(ctx, ns, catalog.ReasonShardUnknown, proto.CollectionVersion{})
		return err
	}
	return nil
}

// pause backs off once the attempts without backoff are used up. It holds no
// lock, other operations proceed meanwhile.
func (l *retryLoop) pause(ctx context.Context) error {
	if l.attempts <= l.r.policy.NoBackoffAttempts {
		return nil
	}
	d := l.backoff.NextBackOff()
	if d == backoff.Stop {
		d = l.backoff.MaxInterval
	}
	return l.r.sleep(ctx, d)
}

func (l *retryLoop) exhausted(ctx context.Context) error {
	code := apierrors.CodeStaleConfigExhausted
	if apierrors.CodeOf(l.lastErr) == apierrors.CodeShardUnknown {
		code = apierrors.CodeTopologyUnstable
	}
	metrics.RouterExhausted.WithLabelValues(code.String()).Inc()
	trace.SpanFromContextSafe(ctx).Warnf("%s on %s gave up after %d attempts, last error: %s",
		l.op.Type, l.op.Namespace, l.attempts, l.lastErr)

	ret := apierrors.New(code, l.op.Namespace, fmt.Sprintf("gave up after %d attempts: %s", l.attempts, l.lastErr))
	if e, ok := apierrors.AsError(l.lastErr); ok {
		ret.Shard, ret.Received, ret.Wanted = e.Shard, e.Received, e.Wanted
	}
	return ret
}
