package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"all2api-go/internal/health"
	"all2api-go/internal/models"
	"all2api-go/internal/store"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeRefresher struct {
	calls   atomic.Int64
	delay   time.Duration
	failure error
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, cred *models.CredentialRef) (*Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failure != nil {
		return nil, f.failure
	}
	return &Result{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func newService(t *testing.T) (*Service, *store.Store, *health.Registry) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	st, err := store.NewWithDB(db)
	require.NoError(t, err)
	h := health.NewRegistry()
	return NewService(st, h, 5*time.Second), st, h
}

func seedCredential(t *testing.T, st *store.Store) *models.CredentialRef {
	t.Helper()
	ref := &models.CredentialRef{Kind: models.ProviderKiro}
	ref.Name = "c1"
	ref.RefreshToken = "rt-old"
	ref.Active = true
	id, err := st.CreateCredential(context.Background(), models.ProviderKiro, ref.CredentialColumns)
	require.NoError(t, err)
	ref.ID = id
	return ref
}

func TestSingleFlightSharesOneCall(t *testing.T) {
	svc, st, _ := newService(t)
	fr := &fakeRefresher{delay: 50 * time.Millisecond}
	svc.Register(models.ProviderKiro, fr)
	cred := seedCredential(t, st)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*models.CredentialRef, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := svc.Refresh(context.Background(), cred)
			require.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, fr.calls.Load(), "exactly one upstream refresh call")
	for _, r := range results {
		require.Equal(t, "at-new", r.AccessToken)
		require.Equal(t, "rt-new", r.RefreshToken)
	}
}

func TestRefreshPersistsTokens(t *testing.T) {
	svc, st, h := newService(t)
	svc.Register(models.ProviderKiro, &fakeRefresher{})
	cred := seedCredential(t, st)

	got, err := svc.Refresh(context.Background(), cred)
	require.NoError(t, err)
	require.Equal(t, "at-new", got.AccessToken)

	stored, err := st.GetCredential(context.Background(), models.ProviderKiro, cred.ID)
	require.NoError(t, err)
	require.Equal(t, "at-new", stored.AccessToken)
	require.Equal(t, "rt-new", stored.RefreshToken)
	require.True(t, h.Get(cred.Key()).Healthy)
}

func TestRefreshFailureMarksUnhealthy(t *testing.T) {
	svc, st, h := newService(t)
	svc.Register(models.ProviderKiro, &fakeRefresher{failure: errors.New("invalid_grant")})
	cred := seedCredential(t, st)

	_, err := svc.Refresh(context.Background(), cred)
	require.Error(t, err)
	require.Equal(t, 1, h.Get(cred.Key()).ErrorCount)

	stored, err := st.GetCredential(context.Background(), models.ProviderKiro, cred.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.ErrorCount)
	require.Equal(t, "invalid_grant", stored.LastError)
}

func TestRefreshUnknownProvider(t *testing.T) {
	svc, _, _ := newService(t)
	cred := &models.CredentialRef{Kind: "bogus"}
	_, err := svc.Refresh(context.Background(), cred)
	require.Error(t, err)
}

func TestSecondRefreshAfterCompletionCallsAgain(t *testing.T) {
	svc, st, _ := newService(t)
	fr := &fakeRefresher{}
	svc.Register(models.ProviderKiro, fr)
	cred := seedCredential(t, st)

	_, err := svc.Refresh(context.Background(), cred)
	require.NoError(t, err)
	_, err = svc.Refresh(context.Background(), cred)
	require.NoError(t, err)
	require.EqualValues(t, 2, fr.calls.Load(), "single-flight entry clears once resolved")
}
