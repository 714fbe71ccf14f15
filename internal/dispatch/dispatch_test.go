package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"all2api-go/internal/apierr"
	"all2api-go/internal/credlock"
	"all2api-go/internal/health"
	"all2api-go/internal/models"
	"all2api-go/internal/pool"
	"all2api-go/internal/provider"
	"all2api-go/internal/refresh"
	"all2api-go/internal/relay"
	"all2api-go/internal/store"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// scriptedAdapter fails for listed credential ids and succeeds otherwise.
type scriptedAdapter struct {
	kind     models.ProviderKind
	failures map[uint]*apierr.Error
	calls    []uint
}

func (s *scriptedAdapter) Kind() models.ProviderKind { return s.kind }

func (s *scriptedAdapter) Call(ctx context.Context, cred *models.CredentialRef, req *relay.ChatRequest) (relay.Stream, error) {
	s.calls = append(s.calls, cred.ID)
	if err, ok := s.failures[cred.ID]; ok {
		return nil, err
	}
	return relay.NewSliceStream(
		relay.Event{Kind: relay.MessageStart},
		relay.Event{Kind: relay.TextDelta, Text: "ok"},
		relay.Event{Kind: relay.MessageStop, StopReason: relay.StopEndTurn},
	), nil
}

func (s *scriptedAdapter) Probe(ctx context.Context, cred *models.CredentialRef) error { return nil }

type staticRefresher struct{ calls int }

func (r *staticRefresher) RefreshToken(ctx context.Context, cred *models.CredentialRef) (*refresh.Result, error) {
	r.calls++
	return &refresh.Result{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fixture struct {
	engine  *Engine
	store   *store.Store
	health  *health.Registry
	locks   *credlock.Table
	adapter *scriptedAdapter
	refr    *staticRefresher
	svc     *refresh.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	h := health.NewRegistry()
	locks := credlock.NewTable(false)
	p := pool.NewManager(h, locks)

	refr := &staticRefresher{}
	svc := refresh.NewService(st, h, time.Second)
	svc.Register(models.ProviderKiro, refr)

	adapter := &scriptedAdapter{kind: models.ProviderKiro, failures: map[uint]*apierr.Error{}}
	reg := provider.NewRegistry()
	reg.Register(adapter)

	return &fixture{
		engine:  NewEngine(st, p, locks, h, svc, reg),
		store:   st,
		health:  h,
		locks:   locks,
		adapter: adapter,
		refr:    refr,
		svc:     svc,
	}
}

func (f *fixture) addCred(t *testing.T, name string, expiresIn time.Duration) uint {
	t.Helper()
	cols := models.CredentialColumns{
		Name:         name,
		AccessToken:  "at-" + name,
		RefreshToken: "rt-" + name,
		Active:       true,
		ExpiresAt:    time.Now().Add(expiresIn),
	}
	id, err := f.store.CreateCredential(context.Background(), models.ProviderKiro, cols)
	require.NoError(t, err)
	return id
}

func testReq() *relay.ChatRequest {
	return &relay.ChatRequest{
		Model: "claude-sonnet-4-20250514",
		Turns: []relay.Turn{{Role: relay.RoleUser, Parts: []relay.Part{{Kind: relay.PartText, Text: "hi"}}}},
	}
}

func drain(t *testing.T, s relay.Stream) []relay.Event {
	t.Helper()
	events, err := relay.Collect(context.Background(), s)
	require.NoError(t, err)
	return events
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t)
	id := f.addCred(t, "a", time.Hour)

	stream, cred, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.Nil(t, aerr)
	require.Equal(t, id, cred.ID)

	key := cred.Key()
	require.True(t, f.locks.Busy(key), "lock held while the stream is live")

	events := drain(t, stream)
	require.Len(t, events, 3)
	require.False(t, f.locks.Busy(key), "lock released when the stream drained")
	require.True(t, f.health.Get(key).Healthy)
}

func TestExecuteNoCredentials(t *testing.T) {
	f := newFixture(t)
	_, _, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.NotNil(t, aerr)
	require.Equal(t, apierr.KindNoCredential, aerr.Kind)
	require.Equal(t, http.StatusServiceUnavailable, aerr.Status)
}

func TestFallbackOn429(t *testing.T) {
	f := newFixture(t)
	idA := f.addCred(t, "a", time.Hour)
	idB := f.addCred(t, "b", time.Hour)

	// B is least recently used, so it goes first and fails with 429.
	credA := &models.CredentialRef{Kind: models.ProviderKiro}
	credA.ID = idA
	f.health.RecordUse(credA.Key())
	f.adapter.failures[idB] = apierr.New(429, apierr.KindRateLimited, "throttled")

	stream, cred, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.Nil(t, aerr)
	require.Equal(t, idA, cred.ID, "fallback picked the other credential")
	require.Equal(t, []uint{idB, idA}, f.adapter.calls)

	drain(t, stream)

	credB := &models.CredentialRef{Kind: models.ProviderKiro}
	credB.ID = idB
	require.Equal(t, 1, f.health.Get(credB.Key()).ErrorCount, "429 marked the failing credential")
	require.True(t, f.health.Get(credA.Key()).Healthy)
	require.False(t, f.locks.Busy(credB.Key()), "failed attempt released its lock")
}

func TestTransient5xxDoesNotAffectHealth(t *testing.T) {
	f := newFixture(t)
	idA := f.addCred(t, "a", time.Hour)
	idB := f.addCred(t, "b", time.Hour)
	f.adapter.failures[idA] = apierr.New(502, apierr.KindTransient, "bad gateway")
	f.adapter.failures[idB] = apierr.New(502, apierr.KindTransient, "bad gateway")

	_, _, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.NotNil(t, aerr)
	require.Equal(t, apierr.KindTransient, aerr.Kind, "last error surfaces with original class")

	for _, id := range []uint{idA, idB} {
		ref := &models.CredentialRef{Kind: models.ProviderKiro}
		ref.ID = id
		require.Zero(t, f.health.Get(ref.Key()).ErrorCount, "5xx leaves health untouched")
	}
}

func TestTerminalErrorDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	idA := f.addCred(t, "a", time.Hour)
	f.addCred(t, "b", time.Hour)
	f.adapter.failures[idA] = apierr.New(400, apierr.KindInvalidRequest, "bad body")

	// Make A the preferred pick.
	refB := &models.CredentialRef{Kind: models.ProviderKiro}
	refB.ID = 2
	f.health.RecordUse(refB.Key())

	_, _, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.NotNil(t, aerr)
	require.Equal(t, apierr.KindInvalidRequest, aerr.Kind)
	require.Len(t, f.adapter.calls, 1, "invalid request is terminal, no second credential")
}

func TestProactiveRefreshBeforeUse(t *testing.T) {
	f := newFixture(t)
	f.addCred(t, "a", 5*time.Minute) // inside the 10-minute window

	stream, _, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.Nil(t, aerr)
	drain(t, stream)
	require.Equal(t, 1, f.refr.calls, "expiring-soon credential refreshed before the call")
}

func TestNoRefreshOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.addCred(t, "a", time.Hour)

	stream, _, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.Nil(t, aerr)
	drain(t, stream)
	require.Zero(t, f.refr.calls)
}

func TestCloseReleasesLockWithoutHealthPenalty(t *testing.T) {
	f := newFixture(t)
	f.addCred(t, "a", time.Hour)

	stream, cred, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.Nil(t, aerr)
	require.NoError(t, stream.Close())

	require.False(t, f.locks.Busy(cred.Key()))
	require.True(t, f.health.Get(cred.Key()).Healthy)
	require.Zero(t, f.health.Get(cred.Key()).ErrorCount, "client disconnect is not the credential's fault")
}

type failingRefresher struct{}

func (failingRefresher) RefreshToken(ctx context.Context, cred *models.CredentialRef) (*refresh.Result, error) {
	return nil, errors.New("invalid_grant")
}

func TestRefreshFailureQuarantines(t *testing.T) {
	f := newFixture(t)
	f.svc.Register(models.ProviderKiro, failingRefresher{})
	f.addCred(t, "a", 5*time.Minute) // forces a proactive refresh

	_, _, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.NotNil(t, aerr)
	require.Equal(t, apierr.KindRefreshFailed, aerr.Kind)
	require.Equal(t, http.StatusBadGateway, aerr.Status)

	active, err := f.store.ListActiveCredentials(context.Background(), models.ProviderKiro)
	require.NoError(t, err)
	require.Empty(t, active, "failed refresh moves the credential to the error table")

	quarantined, err := f.store.ListQuarantined(context.Background())
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
}

func TestMaxAttemptsBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		id := f.addCred(t, string(rune('a'+i)), time.Hour)
		f.adapter.failures[id] = apierr.New(429, apierr.KindRateLimited, "throttled")
	}

	_, _, aerr := f.engine.Execute(context.Background(), models.ProviderKiro, testReq())
	require.NotNil(t, aerr)
	require.Len(t, f.adapter.calls, 3, "attempts capped at min(3, len(credentials))")
}
