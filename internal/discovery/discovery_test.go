package discovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alswitch/internal/discovery"
	"github.com/mbd888/alswitch/internal/discovery/discoverytest"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/proxycache"
)

func headers(source, proxy string) fspiop.RequestHeaders {
	return fspiop.RequestHeaders{Source: source, Proxy: proxy}
}

func TestValidateRequester(t *testing.T) {
	ctx := context.Background()
	sw := discoverytest.New(t, discoverytest.WithProxies())
	sw.AddFSP("dfspA")
	sw.AddProxy("proxyX")

	got, err := sw.Deps.ValidateRequester(ctx, headers("dfspA", ""))
	require.NoError(t, err)
	assert.Equal(t, "dfspA", got)

	got, err = sw.Deps.ValidateRequester(ctx, headers("remote", "proxyX"))
	require.NoError(t, err)
	assert.Equal(t, "proxyX", got)
	proxy, _ := sw.Cache.LookupProxyByDfspID(ctx, "remote")
	assert.Equal(t, "proxyX", proxy, "proxy header records the mapping")

	_, err = sw.Deps.ValidateRequester(ctx, headers("remote", "ghost"))
	assert.True(t, fspiop.IsCode(err, fspiop.ErrIDNotFound))

	_, err = sw.Deps.ValidateRequester(ctx, headers("nobody", ""))
	assert.True(t, fspiop.IsCode(err, fspiop.ErrIDNotFound))
}

func TestValidateRequester_ProxyDisabled(t *testing.T) {
	sw := discoverytest.New(t)
	sw.AddProxy("proxyX")

	_, err := sw.Deps.ValidateRequester(context.Background(), headers("remote", "proxyX"))
	assert.True(t, fspiop.IsCode(err, fspiop.ErrIDNotFound))
}

func TestValidateRequester_CacheDownStillAcceptsLocal(t *testing.T) {
	sw := discoverytest.New(t, discoverytest.WithProxies())
	sw.AddFSP("dfspA")
	sw.Cache.SetDown(true)

	got, err := sw.Deps.ValidateRequester(context.Background(), headers("dfspA", "proxyX"))
	require.NoError(t, err)
	assert.Equal(t, "dfspA", got)
}

func TestResolveRoute(t *testing.T) {
	ctx := context.Background()
	sw := discoverytest.New(t, discoverytest.WithProxies())
	sw.AddFSP("dfspB")
	sw.AddProxy("proxyX")
	_, _ = sw.Cache.AddDfspIDToProxyMapping(ctx, "remote", "proxyX")

	r, err := sw.Deps.ResolveRoute(ctx, "dfspB")
	require.NoError(t, err)
	assert.Equal(t, discovery.Route{Destination: "dfspB"}, r)
	assert.False(t, r.Proxied())

	r, err = sw.Deps.ResolveRoute(ctx, "remote")
	require.NoError(t, err)
	assert.Equal(t, discovery.Route{Destination: "remote", Via: "proxyX"}, r)
	assert.True(t, r.Proxied())

	_, err = sw.Deps.ResolveRoute(ctx, "nowhere")
	var nr *discovery.NoRouteError
	assert.ErrorAs(t, err, &nr)

	sw.Cache.SetDown(true)
	_, err = sw.Deps.ResolveRoute(ctx, "remote")
	assert.ErrorIs(t, err, proxycache.ErrCacheUnavailable, "outage is not 'no proxy'")
}

func TestErrorRoute(t *testing.T) {
	ctx := context.Background()
	sw := discoverytest.New(t, discoverytest.WithProxies())
	sw.AddFSP("dfspA")
	sw.AddProxy("proxyX")

	assert.Equal(t, discovery.Route{Destination: "dfspA"}, sw.Deps.ErrorRoute(ctx, headers("dfspA", "")))
	assert.Equal(t, discovery.Route{Destination: "remote", Via: "proxyX"},
		sw.Deps.ErrorRoute(ctx, headers("remote", "proxyX")))
	assert.Equal(t, discovery.Route{Destination: "ghost"}, sw.Deps.ErrorRoute(ctx, headers("ghost", "")))
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("success skips fallback", func(t *testing.T) {
		called := false
		discovery.Guard(ctx, "ok", logging.Discard(), func(context.Context) error { return nil },
			func(context.Context, error) error { called = true; return nil })
		assert.False(t, called)
	})

	t.Run("error reaches fallback", func(t *testing.T) {
		var got error
		discovery.Guard(ctx, "err", logging.Discard(), func(context.Context) error { return boom },
			func(_ context.Context, err error) error { got = err; return nil })
		assert.ErrorIs(t, got, boom)
	})

	t.Run("panic reaches fallback", func(t *testing.T) {
		var got error
		discovery.Guard(ctx, "panic", logging.Discard(), func(context.Context) error { panic("nil map") },
			func(_ context.Context, err error) error { got = err; return nil })
		var pe *discovery.PanicError
		require.ErrorAs(t, got, &pe)
		assert.Equal(t, "nil map", pe.Value)
		assert.Equal(t, fspiop.ErrInternalServer, fspiop.FromError(got).Code)
	})

	t.Run("panicking fallback is contained", func(t *testing.T) {
		assert.NotPanics(t, func() {
			discovery.Guard(ctx, "double", logging.Discard(), func(context.Context) error { return boom },
				func(context.Context, error) error { panic("again") })
		})
	})
}

type ctxKey struct{}

func TestRunner_DetachesFromRequest(t *testing.T) {
	r := discovery.NewRunner(2, time.Second, logging.Discard())
	reqCtx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "v"))

	done := make(chan error, 1)
	require.NoError(t, r.Go(reqCtx, "detached", func(ctx context.Context) error {
		cancel()
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, "v", ctx.Value(ctxKey{}))
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		done <- ctx.Err()
		return nil
	}, nil))

	select {
	case err := <-done:
		assert.NoError(t, err, "request cancellation must not reach the task")
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	r.Stop()
	assert.ErrorIs(t, r.Go(context.Background(), "late", func(context.Context) error { return nil }, nil),
		discovery.ErrRunnerStopped)
}

func TestRunner_FallbackOnTimeout(t *testing.T) {
	r := discovery.NewRunner(1, 20*time.Millisecond, logging.Discard())
	got := make(chan error, 1)
	require.NoError(t, r.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(_ context.Context, err error) error {
		got <- err
		return nil
	}))
	r.Stop()
	err := <-got
	assert.Equal(t, fspiop.ErrServerTimedOut, fspiop.FromError(err).Code)
}

func TestRoute_Callback(t *testing.T) {
	cb := discovery.Route{Destination: "remote", Via: "proxyX"}.Callback()
	assert.Equal(t, "remote", cb.Destination)
	assert.Equal(t, "proxyX", cb.Via)
	assert.Empty(t, cb.Method)
}
