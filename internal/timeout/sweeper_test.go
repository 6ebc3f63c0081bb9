package timeout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alswitch/internal/discovery/discoverytest"
	"github.com/mbd888/alswitch/internal/fspiop"
	"github.com/mbd888/alswitch/internal/lock"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/proxycache"
	"github.com/mbd888/alswitch/internal/testutil"
)

var msisdn = fspiop.Params{Type: fspiop.PartyMSISDN, ID: "123456789"}

const errPath = "/parties/MSISDN/123456789/error"

type fixture struct {
	*discoverytest.Switch
	lease *lock.MemoryLease
	mu    sync.Mutex
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{Switch: discoverytest.New(t, discoverytest.WithProxies()), now: time.Unix(1700000000, 0)}
	f.Cache.WithClock(f.clock)
	f.lease = lock.NewMemoryLease(f.clock)
	f.AddFSP("dfspA")
	f.AddProxy("proxyX")
	f.AddProxy("proxyZ")
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) sweeper() *Sweeper {
	return NewSweeper(f.Deps, f.lease.NewLocker(time.Minute), 10)
}

func (f *fixture) pendingFanOut(t *testing.T, source string) {
	t.Helper()
	_, err := f.Cache.SetSendToProxiesList(context.Background(), proxycache.NewAlsRequest(source, msisdn), []string{"proxyX"})
	require.NoError(t, err)
}

func expiryCallbacks(t *testing.T, hops []testutil.Hop) []testutil.Hop {
	t.Helper()
	var out []testutil.Hop
	for _, hop := range hops {
		if hop.Method != http.MethodPut {
			continue
		}
		var body fspiop.ErrorInformationObject
		require.NoError(t, json.Unmarshal(hop.Body, &body))
		if body.ErrorInformation.ErrorCode == string(fspiop.ErrExpired) {
			out = append(out, hop)
		}
	}
	return out
}

func TestSweep_ExpiredFanOutNotifiesRequester(t *testing.T) {
	f := newFixture(t)
	f.pendingFanOut(t, "dfspA")
	s := f.sweeper()

	require.NoError(t, s.Sweep(context.Background()))
	assert.Empty(t, f.Hops.Requests(), "nothing is due before the TTL")

	f.advance(proxycache.DefaultDiscoveryTTL + time.Second)
	require.NoError(t, s.Sweep(context.Background()))

	cbs := expiryCallbacks(t, f.Hops.Requests())
	require.Len(t, cbs, 1)
	assert.Equal(t, discoverytest.URL("dfspA")+errPath, cbs[0].URL)
	assert.Equal(t, discoverytest.Hub, cbs[0].Header.Get(fspiop.HeaderSource))
	assert.Equal(t, "dfspA", cbs[0].Header.Get(fspiop.HeaderDestination))

	// consumed: a second sweep finds nothing
	f.Hops.Reset()
	require.NoError(t, s.Sweep(context.Background()))
	assert.Empty(t, f.Hops.Requests())
}

func TestSweep_ExpiredGetPartiesTimer(t *testing.T) {
	f := newFixture(t)
	_, err := f.Cache.SetProxyGetPartiesTimeout(context.Background(), proxycache.NewAlsRequest("dfspA", msisdn), "proxyX")
	require.NoError(t, err)

	f.advance(proxycache.DefaultGetPartiesTTL + time.Second)
	require.NoError(t, f.sweeper().Sweep(context.Background()))

	cbs := expiryCallbacks(t, f.Hops.Requests())
	require.Len(t, cbs, 1)
	assert.Equal(t, discoverytest.URL("dfspA")+errPath, cbs[0].URL)
	var body fspiop.ErrorInformationObject
	require.NoError(t, json.Unmarshal(cbs[0].Body, &body))
	assert.Contains(t, body.ErrorInformation.ErrorDescription, "proxyX")
}

func TestSweep_RequesterBehindProxy(t *testing.T) {
	f := newFixture(t)
	_, err := f.Cache.AddDfspIDToProxyMapping(context.Background(), "remoteA", "proxyZ")
	require.NoError(t, err)
	f.pendingFanOut(t, "remoteA")

	f.advance(time.Hour)
	require.NoError(t, f.sweeper().Sweep(context.Background()))

	cbs := expiryCallbacks(t, f.Hops.Requests())
	require.Len(t, cbs, 1)
	assert.Equal(t, discoverytest.URL("proxyZ")+errPath, cbs[0].URL)
	assert.Equal(t, "remoteA", cbs[0].Header.Get(fspiop.HeaderDestination))
}

func TestSweep_FailingKeyDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.pendingFanOut(t, "ghost")
	f.pendingFanOut(t, "dfspA")

	f.advance(time.Hour)
	err := f.sweeper().Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	cbs := expiryCallbacks(t, f.Hops.Requests())
	require.Len(t, cbs, 1)
	assert.Equal(t, discoverytest.URL("dfspA")+errPath, cbs[0].URL)
}

func TestSweep_LockHeldElsewhereIsNoop(t *testing.T) {
	f := newFixture(t)
	f.pendingFanOut(t, "dfspA")
	f.advance(time.Hour)

	other := f.lease.NewLocker(time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	s := f.sweeper()
	require.NoError(t, s.Sweep(context.Background()))
	assert.Empty(t, f.Hops.Requests())

	// the holder crashed: its lease runs out and the key is still there
	f.advance(2 * time.Minute)
	require.NoError(t, s.Sweep(context.Background()))
	assert.Len(t, expiryCallbacks(t, f.Hops.Requests()), 1)
}

func TestSweep_ReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.pendingFanOut(t, "ghost")
	f.advance(time.Hour)

	require.Error(t, f.sweeper().Sweep(context.Background()))

	ok, err := f.lease.NewLocker(time.Minute).Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "lock is released even when keys fail")
}

func TestSweep_CacheDownSkipsCycle(t *testing.T) {
	f := newFixture(t)
	f.pendingFanOut(t, "dfspA")
	f.advance(time.Hour)
	f.Cache.SetDown(true)

	err := f.sweeper().Sweep(context.Background())
	require.ErrorIs(t, err, proxycache.ErrCacheUnavailable)
	assert.Empty(t, f.Hops.Requests())

	f.Cache.SetDown(false)
	require.NoError(t, f.sweeper().Sweep(context.Background()))
	assert.Len(t, expiryCallbacks(t, f.Hops.Requests()), 1)
}

func TestTimer_RunsSweeps(t *testing.T) {
	f := newFixture(t)
	f.pendingFanOut(t, "dfspA")
	f.advance(time.Hour)

	timer := NewTimer(f.sweeper(), 10*time.Millisecond, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool {
		return len(f.Hops.Requests()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, timer.Running())

	cancel()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}
