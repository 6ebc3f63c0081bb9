// Package timeout answers discoveries that were forwarded to other schemes
// and never came back. A periodic sweep, run by one replica at a time,
// consumes expired proxy cache keys and sends the requester an expiry
// error.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/alswitch/internal/discovery"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/lock"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/proxycache"
	"github.com/mbd888/alswitch/internal/traces"
)

// DefaultBatchSize caps the keys claimed per cache round trip.
const DefaultBatchSize = 100

// Sweeper sends expiry errors for pending discoveries past their TTL.
type Sweeper struct {
	deps      *discovery.Deps
	locker    lock.Locker
	batchSize int
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper. deps must have a proxy cache.
func NewSweeper(deps *discovery.Deps, locker lock.Locker, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{deps: deps, locker: locker, batchSize: batchSize, logger: deps.Logger}
}

// Sweep runs one cycle. Losing the lock to another replica is not an
// error. Per-key failures are logged and joined into the result after
// every key has been handled.
func (s *Sweeper) Sweep(ctx context.Context) (err error) {
	acquired, err := s.locker.Acquire(ctx)
	if err != nil {
		sweeps.WithLabelValues("lock_error").Inc()
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !acquired {
		sweeps.WithLabelValues("skipped").Inc()
		s.logger.Debug("timeout sweep skipped, lock held elsewhere")
		return nil
	}
	defer func() {
		if rerr := s.locker.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("sweep lock not released", "error", rerr)
		}
	}()

	ctx, span := traces.StartSpan(ctx, "timeout.sweep")
	defer func() { traces.End(span, err) }()
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	cache := s.deps.ProxyCache
	err = errors.Join(
		cache.ProcessExpiredAlsKeys(ctx, s.expire, s.batchSize),
		cache.ProcessExpiredProxyGetPartiesKeys(ctx, s.expire, s.batchSize),
	)
	if err != nil {
		sweeps.WithLabelValues("error").Inc()
		return err
	}
	sweeps.WithLabelValues("ok").Inc()
	return nil
}

// expire answers the requester of one expired discovery.
func (s *Sweeper) expire(ctx context.Context, key proxycache.ExpiredKey) error {
	variant := string(key.Variant)
	params := key.Request.Params()
	source := key.Request.SourceID
	ctx = logging.WithDiscovery(ctx, source, "", string(params.Type), params.ID)
	log := s.deps.Log(ctx).With("variant", variant)

	route, err := s.deps.ResolveRoute(ctx, source)
	if err != nil {
		expiredCallbacks.WithLabelValues(variant, "unroutable").Inc()
		log.Warn("expired discovery requester not resolvable", "error", err)
		return fmt.Errorf("expired %s: %w", key.Raw, err)
	}

	detail := "inter-scheme discovery expired"
	if key.Variant == proxycache.VariantProxyGetParties {
		detail = "proxy " + key.Proxy + " did not answer"
	}

	header := http.Header{}
	header.Set(fspiop.HeaderDate, fspiop.FormatDate(time.Now()))
	_, _, errEP := fspiop.PartiesEndpoints(params)
	cb := route.Callback()
	cb.Endpoint = errEP
	cb.Values = fspiop.TemplateValues{Params: params}
	cb.Resource = fspiop.ResourceParties
	cb.Header = header

	if err := s.deps.Callbacks.SendErrorCallback(ctx, cb, fspiop.NewError(fspiop.ErrExpired, detail)); err != nil {
		expiredCallbacks.WithLabelValues(variant, "failed").Inc()
		return fmt.Errorf("expired %s: %w", key.Raw, err)
	}
	expiredCallbacks.WithLabelValues(variant, "sent").Inc()
	log.Info("discovery expired, requester notified")
	return nil
}
