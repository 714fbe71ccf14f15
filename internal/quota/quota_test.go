package quota

import (
	"context"
	"testing"
	"time"

	"all2api-go/internal/models"
	"all2api-go/internal/store"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newEnforcer(t *testing.T) (*Enforcer, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	st, err := store.NewWithDB(db)
	require.NoError(t, err)
	return NewEnforcer(st), st
}

func TestExpiredKeyRejected(t *testing.T) {
	e, _ := newEnforcer(t)
	key := &models.ApiKey{ID: 1, CreatedAt: time.Now().AddDate(0, 0, -31), ValidityDays: 30}
	_, err := e.Check(context.Background(), key, "1.2.3.4")
	require.NotNil(t, err)
	require.Contains(t, err.Message, "expired")
}

func TestConcurrencyCeiling(t *testing.T) {
	e, _ := newEnforcer(t)
	key := &models.ApiKey{ID: 1, CreatedAt: time.Now(), Concurrency: 2}

	rel1, qerr := e.Check(context.Background(), key, "1.2.3.4")
	require.Nil(t, qerr)
	rel2, qerr := e.Check(context.Background(), key, "1.2.3.4")
	require.Nil(t, qerr)

	_, qerr = e.Check(context.Background(), key, "1.2.3.4")
	require.NotNil(t, qerr, "third concurrent request from same (key, ip) must be rejected")
	require.Equal(t, 429, qerr.Status)
	require.Contains(t, qerr.Message, "concurrency")

	// Different IP has its own slots.
	rel3, qerr := e.Check(context.Background(), key, "5.6.7.8")
	require.Nil(t, qerr)
	rel3()

	rel1()
	rel4, qerr := e.Check(context.Background(), key, "1.2.3.4")
	require.Nil(t, qerr, "slot freed after release")
	rel4()
	rel2()
	require.Zero(t, e.InFlight(1, "1.2.3.4"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	e, _ := newEnforcer(t)
	key := &models.ApiKey{ID: 1, CreatedAt: time.Now(), Concurrency: 1}
	rel, qerr := e.Check(context.Background(), key, "ip")
	require.Nil(t, qerr)
	rel()
	rel()
	rel()
	require.Zero(t, e.InFlight(1, "ip"))
}

func TestRateWindow(t *testing.T) {
	e, _ := newEnforcer(t)
	now := time.Now()
	e.now = func() time.Time { return now }
	key := &models.ApiKey{ID: 1, CreatedAt: now, RateLimit: 2}

	for i := 0; i < 2; i++ {
		rel, qerr := e.Check(context.Background(), key, "ip")
		require.Nil(t, qerr)
		rel()
	}
	_, qerr := e.Check(context.Background(), key, "ip")
	require.NotNil(t, qerr)
	require.Contains(t, qerr.Message, "rate limit")

	// Window slides: one minute later the key is usable again.
	e.now = func() time.Time { return now.Add(61 * time.Second) }
	rel, qerr := e.Check(context.Background(), key, "ip")
	require.Nil(t, qerr)
	rel()
}

func TestDailyRequestCeiling(t *testing.T) {
	e, st := newEnforcer(t)
	now := time.Now()
	key := &models.ApiKey{ID: 1, CreatedAt: now, DailyLimit: 2}

	for i := 0; i < 2; i++ {
		require.NoError(t, st.InsertLog(context.Background(), &models.ApiLog{ApiKeyID: 1, CreatedAt: now}))
	}
	_, qerr := e.Check(context.Background(), key, "ip")
	require.NotNil(t, qerr)
	require.Contains(t, qerr.Message, "daily request limit")
}

func TestCheckOrderConcurrencyBeforeDaily(t *testing.T) {
	// Scenario: concurrency=1 with a slot held, dailyLimit=10 already at 5.
	// The rejection must cite concurrency, not the daily ceiling.
	e, st := newEnforcer(t)
	now := time.Now()
	key := &models.ApiKey{ID: 1, CreatedAt: now, Concurrency: 1, DailyLimit: 10}
	for i := 0; i < 5; i++ {
		require.NoError(t, st.InsertLog(context.Background(), &models.ApiLog{ApiKeyID: 1, CreatedAt: now}))
	}

	rel, qerr := e.Check(context.Background(), key, "ip")
	require.Nil(t, qerr)
	defer rel()

	_, qerr = e.Check(context.Background(), key, "ip")
	require.NotNil(t, qerr)
	require.Contains(t, qerr.Message, "concurrency")
	require.NotContains(t, qerr.Message, "daily")
}

func TestCostCeilingChecksRecordedSpend(t *testing.T) {
	e, st := newEnforcer(t)
	now := time.Now()
	// claude-sonnet: $3/M input. 900k input tokens = $2.70 recorded.
	require.NoError(t, st.InsertLog(context.Background(), &models.ApiLog{
		ApiKeyID: 1, Model: "claude-sonnet-4-20250514", InputTokens: 900_000, CreatedAt: now,
	}))
	key := &models.ApiKey{ID: 1, CreatedAt: now, DailyCost: 3.00}

	// Recorded spend below the ceiling: accepted even if this request will
	// push it over.
	rel, qerr := e.Check(context.Background(), key, "ip")
	require.Nil(t, qerr)
	rel()

	// Spend now over the ceiling: next request rejected.
	require.NoError(t, st.InsertLog(context.Background(), &models.ApiLog{
		ApiKeyID: 1, Model: "claude-sonnet-4-20250514", InputTokens: 200_000, CreatedAt: now,
	}))
	_, qerr = e.Check(context.Background(), key, "ip")
	require.NotNil(t, qerr)
	require.Contains(t, qerr.Message, "daily cost limit")
}

func TestUnlimitedKeyPasses(t *testing.T) {
	e, _ := newEnforcer(t)
	key := &models.ApiKey{ID: 1, CreatedAt: time.Now()}
	rel, qerr := e.Check(context.Background(), key, "ip")
	require.Nil(t, qerr)
	rel()
}
