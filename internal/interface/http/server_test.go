package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillpoint/progression/config"
	"github.com/stillpoint/progression/internal/application/engine"
	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/internal/infrastructure/persistence/kvstore"
	"github.com/stillpoint/progression/internal/interface/http/handlers"
	"github.com/stillpoint/progression/pkg/logger"
	"github.com/stillpoint/progression/pkg/timeutil"
)

const adminKey = "test-admin-key"

var day1 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type apiFixture struct {
	server *Server
	clock  *timeutil.FixedClock
	flags  *config.FeatureFlags
	health *handlers.CompositeHealthChecker
}

type fakeEvents struct {
	userID shared.UserID
	limit  int
}

func (f *fakeEvents) Recent(_ context.Context, userID shared.UserID, limit int) ([]shared.EventEnvelope, error) {
	f.userID, f.limit = userID, limit
	return []shared.EventEnvelope{{ID: "e1", Type: shared.EventLevelUp, AggregateID: userID.String()}}, nil
}

func newAPIFixture(t *testing.T, events EventReader) *apiFixture {
	t.Helper()
	return newAPIFixtureWithLogger(t, events, logger.Discard())
}

func newAPIFixtureWithLogger(t *testing.T, events EventReader, log *logger.Logger) *apiFixture {
	t.Helper()

	cat := progression.MustDefaultCatalog()
	clock := timeutil.NewFixedClock(day1)
	cal := timeutil.NewCalendar(time.UTC)

	mgr, err := engine.NewManager(engine.Config{
		Catalog:  cat,
		Store:    kvstore.New(kvstore.NewMemory(), cat, logger.Discard()),
		Calendar: cal,
		Clock:    clock,
		Logger:   logger.Discard(),
	}, nil)
	require.NoError(t, err)

	hash, err := handlers.HashAPIKey(adminKey)
	require.NoError(t, err)
	auth, err := handlers.NewAPIKeyAuth("X-API-Key", []string{hash})
	require.NoError(t, err)

	flags := config.NewFeatureFlags()
	health := handlers.NewCompositeHealthChecker("test")

	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 0

	srv := NewServer(cfg, Dependencies{
		Manager:   mgr,
		Features:  flags,
		Events:    events,
		AdminAuth: auth,
		Health:    health,
		Calendar:  cal,
		Clock:     clock,
		Logger:    log,
	})
	return &apiFixture{server: srv, clock: clock, flags: flags, health: health}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers ...string) (int, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

var celebrations = []string{"confetti", "glow", "ripple"}

func TestGetProfile_FreshUser(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, env := f.do(t, http.MethodGet, "/v1/users/u1/profile", "")
	require.Equal(t, http.StatusOK, code)
	require.True(t, env.Success)

	p := decodeData[profileResponse](t, env)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, 0, p.XP)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, 50, p.XPToNextLevel)
	assert.Len(t, p.Achievements, 9)
	assert.Len(t, p.Badges, 7)
	assert.Equal(t, 5, p.Badges[0].NextThreshold)
}

func TestIncrementAchievement_UnlockCelebrates(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, env := f.do(t, http.MethodPost, "/v1/users/u1/achievements/first_breath/increment", "")
	require.Equal(t, http.StatusOK, code)

	resp := decodeData[mutationResponse](t, env)
	assert.True(t, resp.Changed)
	assert.Equal(t, 20, resp.XP)
	assert.Equal(t, 1, resp.Level)
	assert.Contains(t, celebrations, resp.Celebration)
	require.NotNil(t, resp.Achievement)
	assert.True(t, resp.Achievement.IsUnlocked)

	// second unlock is a no-op
	_, env = f.do(t, http.MethodPost, "/v1/users/u1/achievements/first_breath/increment", `{"amount": 3}`)
	resp = decodeData[mutationResponse](t, env)
	assert.False(t, resp.Changed)
	assert.Empty(t, resp.Celebration)
	assert.Equal(t, 20, resp.XP)
}

func TestIncrementAchievement_UnknownIDIsNoop(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, env := f.do(t, http.MethodPost, "/v1/users/u1/achievements/retired/increment", "")
	require.Equal(t, http.StatusOK, code)

	resp := decodeData[mutationResponse](t, env)
	assert.False(t, resp.Changed)
	assert.Nil(t, resp.Achievement)
}

func TestIncrementBadge(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, env := f.do(t, http.MethodPost, "/v1/users/u1/badges/shaker/increment", `{"amount": 5}`)
	require.Equal(t, http.StatusOK, code)

	resp := decodeData[mutationResponse](t, env)
	assert.True(t, resp.Changed)
	assert.Equal(t, 10, resp.XP)
	require.NotNil(t, resp.Badge)
	assert.Equal(t, 1, resp.Badge.Level)
	assert.Equal(t, 0, resp.Badge.Progress)
	assert.Equal(t, 20, resp.Badge.NextThreshold)
}

func TestGrantXP_LevelUp(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, env := f.do(t, http.MethodPost, "/v1/users/u1/xp", `{"amount": 60}`)
	resp := decodeData[mutationResponse](t, env)
	assert.Equal(t, 2, resp.Level)
	assert.Equal(t, 10, resp.XP)
	assert.True(t, resp.LevelUp)
	assert.True(t, resp.Changed)

	_, env = f.do(t, http.MethodGet, "/v1/users/u1/profile", "")
	p := decodeData[profileResponse](t, env)
	var levelBadge badgeResponse
	for _, b := range p.Badges {
		if b.ID == "level_up" {
			levelBadge = b
		}
	}
	assert.Equal(t, 1, levelBadge.Level)
	assert.Equal(t, 5, levelBadge.NextThreshold)
}

func TestGrantXP_ConcurrentLevelUpsAreReportedOnce(t *testing.T) {
	f := newAPIFixture(t, nil)

	const requests = 40
	recs := make([]*httptest.ResponseRecorder, requests)

	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/users/u1/xp", strings.NewReader(`{"amount": 50}`))
			req.Header.Set("Content-Type", "application/json")
			recs[i] = httptest.NewRecorder()
			f.server.Handler().ServeHTTP(recs[i], req)
		}(i)
	}
	wg.Wait()

	levelUps := 0
	for _, rec := range recs {
		require.Equal(t, http.StatusOK, rec.Code)
		var env envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		if decodeData[mutationResponse](t, env).LevelUp {
			levelUps++
		}
	}

	// a 50 XP grant never crosses more than one threshold
	_, env := f.do(t, http.MethodGet, "/v1/users/u1/profile", "")
	p := decodeData[profileResponse](t, env)
	assert.Equal(t, p.Level-1, levelUps)
}

func TestUpdateConsistency(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, env := f.do(t, http.MethodPost, "/v1/users/u1/badges/consistency", `{"streak": 7}`)
	resp := decodeData[mutationResponse](t, env)
	assert.True(t, resp.Changed)
	assert.Equal(t, 30, resp.XP)
	require.NotNil(t, resp.Badge)
	assert.Equal(t, "consistency", resp.Badge.ID)
	assert.Equal(t, 2, resp.Badge.Level)
	assert.Equal(t, 7, resp.Badge.Progress)
}

func TestValidationErrors(t *testing.T) {
	f := newAPIFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"negative xp", http.MethodPost, "/v1/users/u1/xp", `{"amount": -5}`},
		{"xp above limit", http.MethodPost, "/v1/users/u1/xp", `{"amount": 1000001}`},
		{"max int xp", http.MethodPost, "/v1/users/u1/xp", `{"amount": 9223372036854775807}`},
		{"malformed body", http.MethodPost, "/v1/users/u1/xp", `{"amount":`},
		{"unknown field", http.MethodPost, "/v1/users/u1/xp", `{"xp": 5}`},
		{"bad date", http.MethodPost, "/v1/users/u1/streaks/app_open/activity", `{"date": "02.03.2026"}`},
		{"bad streak name", http.MethodPost, "/v1/users/u1/streaks/app-open/checkin", ""},
		{"bad user id", http.MethodGet, "/v1/users/under_score/profile", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, "invalid_request", env.Error.Code)
		})
	}
}

func TestCheckIn_FeedsConsistency(t *testing.T) {
	f := newAPIFixture(t, nil)

	var resp mutationResponse
	for i := 0; i < 3; i++ {
		_, env := f.do(t, http.MethodPost, "/v1/users/u1/streaks/affirmation/checkin", "")
		resp = decodeData[mutationResponse](t, env)
		f.clock.AddDays(1)
	}

	assert.True(t, resp.Changed)
	require.NotNil(t, resp.Streak)
	assert.Equal(t, 3, resp.Streak.Count)
	assert.Equal(t, "2026-03-04", resp.Streak.LastActiveDate)
	require.NotNil(t, resp.Badge)
	assert.Equal(t, 1, resp.Badge.Level)
	assert.Equal(t, 30, resp.XP)

	// same day again: unchanged
	f.clock.AddDays(-1)
	_, env := f.do(t, http.MethodPost, "/v1/users/u1/streaks/affirmation/checkin", "")
	resp = decodeData[mutationResponse](t, env)
	assert.False(t, resp.Changed)
	assert.Equal(t, 3, resp.Streak.Count)
}

func TestRecordActivity_ExplicitDatesAndReset(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, env := f.do(t, http.MethodPost, "/v1/users/u1/streaks/app_open/activity", `{"date": "2026-03-01"}`)
	resp := decodeData[mutationResponse](t, env)
	assert.True(t, resp.Changed)
	assert.Equal(t, 1, resp.Streak.Count)

	_, env = f.do(t, http.MethodPost, "/v1/users/u1/streaks/app_open/activity", "")
	resp = decodeData[mutationResponse](t, env)
	assert.Equal(t, 2, resp.Streak.Count)
	assert.Equal(t, "2026-03-02", resp.Streak.LastActiveDate)

	code, _ := f.do(t, http.MethodDelete, "/v1/users/u1/streaks/app_open", "")
	assert.Equal(t, http.StatusNoContent, code)

	_, env = f.do(t, http.MethodGet, "/v1/users/u1/streaks/app_open", "")
	streak := decodeData[streakResponse](t, env)
	assert.Equal(t, 0, streak.Count)
	assert.Empty(t, streak.LastActiveDate)
}

func TestReset_RequiresAdminKey(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/users/u1/xp", `{"amount": 30}`)

	code, env := f.do(t, http.MethodPost, "/v1/users/u1/reset", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing_api_key", env.Error.Code)

	code, env = f.do(t, http.MethodPost, "/v1/users/u1/reset", "", "X-API-Key", "wrong")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "invalid_api_key", env.Error.Code)

	code, env = f.do(t, http.MethodPost, "/v1/users/u1/reset", "", "Authorization", "Bearer "+adminKey)
	require.Equal(t, http.StatusOK, code)
	p := decodeData[profileResponse](t, env)
	assert.Equal(t, 0, p.XP)
	assert.Equal(t, 1, p.Level)
}

func TestReset_FeatureDisabled(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.NoError(t, f.flags.DisableFeature(config.FeatureAdminReset))

	code, _ := f.do(t, http.MethodPost, "/v1/users/u1/reset", "", "X-API-Key", adminKey)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCelebrationsDisabled(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.NoError(t, f.flags.DisableFeature(config.FeatureCelebrations))

	_, env := f.do(t, http.MethodPost, "/v1/users/u1/achievements/first_breath/increment", "")
	resp := decodeData[mutationResponse](t, env)
	assert.True(t, resp.Changed)
	assert.Empty(t, resp.Celebration)
}

func TestUsersAreIsolated(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/users/alice/xp", `{"amount": 40}`)

	_, env := f.do(t, http.MethodGet, "/v1/users/bob/profile", "")
	assert.Equal(t, 0, decodeData[profileResponse](t, env).XP)

	_, env = f.do(t, http.MethodGet, "/v1/users/alice/profile", "")
	assert.Equal(t, 40, decodeData[profileResponse](t, env).XP)
}

func TestRecentEvents(t *testing.T) {
	events := &fakeEvents{}
	f := newAPIFixture(t, events)

	code, env := f.do(t, http.MethodGet, "/v1/users/u1/events?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	got := decodeData[[]shared.EventEnvelope](t, env)
	require.Len(t, got, 1)
	assert.Equal(t, shared.UserID("u1"), events.userID)
	assert.Equal(t, 5, events.limit)

	code, _ = f.do(t, http.MethodGet, "/v1/users/u1/events?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRecentEvents_NotMountedWithoutJournal(t *testing.T) {
	f := newAPIFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, "/v1/users/u1/events", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.health.AddCheck("store", func(context.Context) error { return nil })

	code, env := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	status := decodeData[handlers.HealthStatus](t, env)
	assert.True(t, status.Healthy)
	assert.Equal(t, "test", status.Version)

	f.health.AddCheck("redis", func(context.Context) error { return errors.New("dial tcp: refused") })
	code, env = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	status = decodeData[handlers.HealthStatus](t, env)
	assert.False(t, status.Checks["redis"].Healthy)
	assert.Equal(t, "Some checks failed: redis", status.Message)
}

func TestCatalogAndUnknownRoute(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, env := f.do(t, http.MethodGet, "/v1/catalog", "")
	require.Equal(t, http.StatusOK, code)
	cat := decodeData[map[string][]json.RawMessage](t, env)
	assert.Len(t, cat["achievements"], 9)
	assert.Len(t, cat["badges"], 7)

	code, env = f.do(t, http.MethodGet, "/v2/nothing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestRequestLogsCarryRequestID(t *testing.T) {
	var buf bytes.Buffer
	f := newAPIFixtureWithLogger(t, &fakeEvents{}, logger.New(logger.Options{Output: &buf, Level: logger.LevelInfo}))

	code, _ := f.do(t, http.MethodGet, "/v1/users/u1/events", "", "X-Request-Id", "req-42")
	require.Equal(t, http.StatusOK, code)

	var entry logger.LogEntry
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	assert.Equal(t, "http request", entry.Message)
	assert.Equal(t, "req-42", entry.Fields[logger.RequestIDKey])
	assert.EqualValues(t, http.StatusOK, entry.Fields["status"])
}
