package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"all2api-go/internal/health"
	"all2api-go/internal/models"
	"all2api-go/internal/provider"
	"all2api-go/internal/refresh"
	"all2api-go/internal/relay"
	"all2api-go/internal/store"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubRefresher struct {
	fail  bool
	calls int
}

func (r *stubRefresher) RefreshToken(ctx context.Context, cred *models.CredentialRef) (*refresh.Result, error) {
	r.calls++
	if r.fail {
		return nil, errors.New("invalid_grant")
	}
	return &refresh.Result{AccessToken: "fresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type stubAdapter struct {
	kind      models.ProviderKind
	probeErr  error
	probeRuns int
}

func (a *stubAdapter) Kind() models.ProviderKind { return a.kind }
func (a *stubAdapter) Call(ctx context.Context, cred *models.CredentialRef, req *relay.ChatRequest) (relay.Stream, error) {
	return relay.NewSliceStream(), nil
}
func (a *stubAdapter) Probe(ctx context.Context, cred *models.CredentialRef) error {
	a.probeRuns++
	return a.probeErr
}

func newScheduler(t *testing.T, refr *stubRefresher, adapter *stubAdapter) (*Scheduler, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	h := health.NewRegistry()
	svc := refresh.NewService(st, h, time.Second)
	svc.Register(models.ProviderKiro, refr)

	reg := provider.NewRegistry()
	if adapter != nil {
		reg.Register(adapter)
	}

	s := New(st, h, svc, reg)
	s.stagger = time.Millisecond
	return s, st
}

func addExpiring(t *testing.T, st *store.Store, expiresIn time.Duration) uint {
	t.Helper()
	id, err := st.CreateCredential(context.Background(), models.ProviderKiro, models.CredentialColumns{
		Name: "c", AccessToken: "at", RefreshToken: "rt", Active: true,
		ExpiresAt: time.Now().Add(expiresIn),
	})
	require.NoError(t, err)
	return id
}

func TestRefreshSweepRefreshesExpiring(t *testing.T) {
	refr := &stubRefresher{}
	s, st := newScheduler(t, refr, nil)
	addExpiring(t, st, 5*time.Minute)
	addExpiring(t, st, 2*time.Hour) // outside the window

	s.RefreshSweep(context.Background())
	require.Equal(t, 1, refr.calls, "only expiring credentials refresh")
}

func TestRefreshSweepQuarantinesOnFailure(t *testing.T) {
	refr := &stubRefresher{fail: true}
	s, st := newScheduler(t, refr, nil)
	addExpiring(t, st, 5*time.Minute)

	s.RefreshSweep(context.Background())

	active, err := st.ListActiveCredentials(context.Background(), models.ProviderKiro)
	require.NoError(t, err)
	require.Empty(t, active)

	quarantined, err := st.ListQuarantined(context.Background())
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
}

func TestRetryQuarantinedRestoresOnProbeSuccess(t *testing.T) {
	refr := &stubRefresher{}
	adapter := &stubAdapter{kind: models.ProviderKiro}
	s, st := newScheduler(t, refr, adapter)

	id := addExpiring(t, st, time.Minute)
	require.NoError(t, st.Quarantine(context.Background(), models.ProviderKiro, id, "boom"))

	s.RetryQuarantined(context.Background())

	require.Equal(t, 1, adapter.probeRuns)
	active, err := st.ListActiveCredentials(context.Background(), models.ProviderKiro)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "fresh", active[0].AccessToken, "restored row carries the refreshed token")
	require.NotEqual(t, id, active[0].ID, "restore assigns a new surrogate id")

	quarantined, err := st.ListQuarantined(context.Background())
	require.NoError(t, err)
	require.Empty(t, quarantined)
}

func TestRetryQuarantinedKeepsRowWhenProbeFails(t *testing.T) {
	refr := &stubRefresher{}
	adapter := &stubAdapter{kind: models.ProviderKiro, probeErr: errors.New("403")}
	s, st := newScheduler(t, refr, adapter)

	id := addExpiring(t, st, time.Minute)
	require.NoError(t, st.Quarantine(context.Background(), models.ProviderKiro, id, "boom"))

	s.RetryQuarantined(context.Background())

	quarantined, err := st.ListQuarantined(context.Background())
	require.NoError(t, err)
	require.Len(t, quarantined, 1, "probe failure keeps the credential quarantined")
}

func TestPruneLogs(t *testing.T) {
	s, st := newScheduler(t, &stubRefresher{}, nil)
	require.NoError(t, st.InsertLog(context.Background(), &models.ApiLog{CreatedAt: time.Now().AddDate(0, 0, -40)}))
	require.NoError(t, st.InsertLog(context.Background(), &models.ApiLog{CreatedAt: time.Now()}))

	s.PruneLogs(context.Background())

	n, err := st.CountRequestsSince(context.Background(), 0, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
