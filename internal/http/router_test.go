package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turismo/server/internal/apperr"
	"github.com/turismo/server/internal/auth"
	"github.com/turismo/server/internal/http/handlers"
	"github.com/turismo/server/internal/middleware"
	"github.com/turismo/server/internal/model"
	"github.com/turismo/server/internal/visit"
)

type stubDirectory struct {
	users map[string]model.User
}

func (d *stubDirectory) FindByEmail(_ context.Context, email string) (model.User, error) {
	u, ok := d.users[email]
	if !ok {
		return model.User{}, apperr.NotFound("user_not_found", "user not found")
	}
	return u, nil
}

func (d *stubDirectory) IsActiveByEmail(_ context.Context, email string) (bool, error) {
	u, ok := d.users[email]
	return ok && u.Active, nil
}

func (d *stubDirectory) FindRoleNames(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (d *stubDirectory) RegisterOtpFail(_ context.Context, _ string) error { return nil }

func (d *stubDirectory) RegisterSuccessfulLogin(_ context.Context, _ string) error { return nil }

func (d *stubDirectory) ResetLockIfExpired(_ context.Context, _ string) error { return nil }

type stubSender struct{}

func (stubSender) SendVerificationCode(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

type stubOracle struct {
	within bool
}

func (o *stubOracle) DistanceWithin(_ context.Context, _ uuid.UUID, _, _, _ float64) (float64, bool, error) {
	return 12.5, o.within, nil
}

// stubVisitRepo backdates StartedAt so the dwell minimum can elapse without
// the test sleeping.
type stubVisitRepo struct {
	mu       sync.Mutex
	visits   map[uuid.UUID]model.PlaceVisit
	backdate time.Duration
}

func newStubVisitRepo() *stubVisitRepo {
	return &stubVisitRepo{visits: map[uuid.UUID]model.PlaceVisit{}}
}

func (r *stubVisitRepo) InsertPending(_ context.Context, v model.PlaceVisit) (model.PlaceVisit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v.ID = uuid.New()
	v.StartedAt = v.StartedAt.Add(-r.backdate)
	r.visits[v.ID] = v
	return v, nil
}

func (r *stubVisitRepo) FindByID(_ context.Context, id uuid.UUID) (model.PlaceVisit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok {
		return model.PlaceVisit{}, apperr.NotFound("visit_not_found", "visit not found")
	}
	return v, nil
}

func (r *stubVisitRepo) ConfirmIfPending(_ context.Context, id uuid.UUID, at time.Time) (model.PlaceVisit, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.visits[id]
	if !ok || v.Status != model.VisitPending {
		return model.PlaceVisit{}, false, nil
	}
	v.Status = model.VisitConfirmed
	v.ConfirmedAt = &at
	r.visits[id] = v
	return v, true, nil
}

func (r *stubVisitRepo) ExistsConfirmedToday(_ context.Context, _ uuid.UUID, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func (r *stubVisitRepo) IncrementDailyCounter(_ context.Context, _ uuid.UUID, _ time.Time) error {
	return nil
}

func (r *stubVisitRepo) TopByVisits(_ context.Context, _, _ time.Time, _ int) ([]model.TopPlace, error) {
	return []model.TopPlace{{PlaceID: uuid.New(), Name: "Old Town Museum", TotalVisits: 7}}, nil
}

type testEnv struct {
	router  http.Handler
	repo    *stubVisitRepo
	oracle  *stubOracle
	limiter *middleware.RateLimiter
}

func newTestEnv(t *testing.T, limiterRule middleware.RateRule) *testEnv {
	t.Helper()

	dir := &stubDirectory{users: map[string]model.User{
		"ana@example.com": {ID: uuid.New(), Email: "ana@example.com", Active: true},
	}}
	authSvc := auth.NewService(
		dir,
		stubSender{},
		auth.NewCodeStore(),
		auth.NewSessionStore(4*time.Hour),
		auth.NewTokenService("test-secret", 4*time.Hour),
	)

	oracle := &stubOracle{within: true}
	repo := newStubVisitRepo()
	visitSvc := visit.NewService(oracle, repo)

	limiter := middleware.NewRateLimiter(limiterRule, nil, []string{"/health"})
	router := NewRouter(
		handlers.NewAuthHandler(authSvc, true),
		handlers.NewVisitHandler(visitSvc, dir),
		authSvc,
		limiter,
	)
	return &testEnv{router: router, repo: repo, oracle: oracle, limiter: limiter}
}

func wideOpen() middleware.RateRule {
	return middleware.RateRule{Capacity: 1000, Window: time.Minute, Refill: 1000}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "1.2.3.4:50000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	}
	return rec, env
}

// login walks the full request-code/verify-code flow and returns the token.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()

	rec, env := e.do(t, http.MethodPost, "/api/auth/request-code", "", map[string]string{"email": "ana@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "code_sent", env.Message)

	var reqData struct {
		DevCode string `json:"dev_code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &reqData))
	require.NotEmpty(t, reqData.DevCode, "dev mode must expose the code")

	rec, env = e.do(t, http.MethodPost, "/api/auth/verify-code", "", map[string]string{
		"email": "ana@example.com",
		"code":  reqData.DevCode,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var tok struct {
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &tok))
	require.NotEmpty(t, tok.Token)
	require.Equal(t, "bearer", tok.TokenType)
	return tok.Token
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, wideOpen())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "1.2.3.4:50000"
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestLoginFlowAndMe(t *testing.T) {
	env := newTestEnv(t, wideOpen())
	token := env.login(t)

	rec, resp := env.do(t, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var me struct {
		Email string   `json:"email"`
		Roles []string `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, "ana@example.com", me.Email)
	assert.Equal(t, []string{auth.DefaultRole}, me.Roles)
}

func TestMeRequiresSession(t *testing.T) {
	env := newTestEnv(t, wideOpen())

	rec, resp := env.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "error", resp.Status)
}

func TestVerifyCodeRejectsWrongCode(t *testing.T) {
	env := newTestEnv(t, wideOpen())

	rec, _ := env.do(t, http.MethodPost, "/api/auth/request-code", "", map[string]string{"email": "ana@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.do(t, http.MethodPost, "/api/auth/verify-code", "", map[string]string{
		"email": "ana@example.com",
		"code":  "000000",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "error", resp.Status)
}

func TestLogoutInvalidatesToken(t *testing.T) {
	env := newTestEnv(t, wideOpen())
	token := env.login(t)

	rec, _ := env.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckinAnonymous(t *testing.T) {
	env := newTestEnv(t, wideOpen())
	placeID := uuid.New()

	rec, resp := env.do(t, http.MethodPost, "/api/places/"+placeID.String()+"/checkin", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0, "device_id": "device-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	require.Equal(t, "checked_in", resp.Message)

	var data struct {
		VisitID        string  `json:"visit_id"`
		Status         string  `json:"status"`
		MinStaySeconds int     `json:"min_stay_seconds"`
		DistanceM      float64 `json:"distance_m"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "pending", data.Status)
	assert.Equal(t, visit.MinStaySeconds, data.MinStaySeconds)
	assert.Equal(t, 12.5, data.DistanceM)

	id, err := uuid.Parse(data.VisitID)
	require.NoError(t, err)
	saved, err := env.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, saved.UserID, "anonymous check-ins carry no user")
}

func TestCheckinLinksAuthenticatedUser(t *testing.T) {
	env := newTestEnv(t, wideOpen())
	token := env.login(t)
	placeID := uuid.New()

	rec, resp := env.do(t, http.MethodPost, "/api/places/"+placeID.String()+"/checkin", token, map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0, "device_id": "device-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		VisitID string `json:"visit_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	id, err := uuid.Parse(data.VisitID)
	require.NoError(t, err)

	saved, err := env.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, saved.UserID)
}

func TestCheckinValidation(t *testing.T) {
	env := newTestEnv(t, wideOpen())
	placeID := uuid.New()

	rec, resp := env.do(t, http.MethodPost, "/api/places/not-a-uuid/checkin", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0, "device_id": "device-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", resp.Status)

	rec, _ = env.do(t, http.MethodPost, "/api/places/"+placeID.String()+"/checkin", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing device_id must be rejected")

	env.oracle.within = false
	rec, resp = env.do(t, http.MethodPost, "/api/places/"+placeID.String()+"/checkin", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0, "device_id": "device-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "you are too far from the place", resp.Message)
}

func TestConfirmTooEarlyConflicts(t *testing.T) {
	env := newTestEnv(t, wideOpen())
	placeID := uuid.New()

	rec, resp := env.do(t, http.MethodPost, "/api/places/"+placeID.String()+"/checkin", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0, "device_id": "device-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		VisitID string `json:"visit_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))

	rec, resp = env.do(t, http.MethodPatch, "/api/visits/"+data.VisitID+"/confirm", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "minimum stay not reached yet", resp.Message)
}

func TestConfirmAfterDwell(t *testing.T) {
	env := newTestEnv(t, wideOpen())
	env.repo.backdate = visit.MinStaySeconds * time.Second
	placeID := uuid.New()

	rec, resp := env.do(t, http.MethodPost, "/api/places/"+placeID.String()+"/checkin", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0, "device_id": "device-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var checkin struct {
		VisitID string `json:"visit_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &checkin))

	rec, resp = env.do(t, http.MethodPatch, "/api/visits/"+checkin.VisitID+"/confirm", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var confirmed struct {
		Status      string    `json:"status"`
		ConfirmedAt time.Time `json:"confirmed_at"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &confirmed))
	assert.Equal(t, "confirmed", confirmed.Status)
	assert.False(t, confirmed.ConfirmedAt.IsZero())

	// A second confirm of the same visit is a conflict.
	rec, resp = env.do(t, http.MethodPatch, "/api/visits/"+checkin.VisitID+"/confirm", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "visit was already handled", resp.Message)
}

func TestConfirmUnknownVisit(t *testing.T) {
	env := newTestEnv(t, wideOpen())

	rec, resp := env.do(t, http.MethodPatch, "/api/visits/"+uuid.NewString()+"/confirm", "", map[string]interface{}{
		"lat": 45.0, "lng": 15.0, "accuracy_m": 10.0,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", resp.Status)
}

func TestTopPlaces(t *testing.T) {
	env := newTestEnv(t, wideOpen())

	rec, resp := env.do(t, http.MethodGet, "/api/places/top?from=2025-05-01&to=2025-06-01&limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Places []struct {
			PlaceID     string `json:"place_id"`
			Name        string `json:"name"`
			TotalVisits int64  `json:"total_visits"`
		} `json:"places"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Len(t, data.Places, 1)
	assert.Equal(t, "Old Town Museum", data.Places[0].Name)
	assert.Equal(t, int64(7), data.Places[0].TotalVisits)

	rec, resp = env.do(t, http.MethodGet, "/api/places/top?from=2025-06-01&to=2025-05-01", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", resp.Status)
}

func TestAPIRateLimited(t *testing.T) {
	env := newTestEnv(t, middleware.RateRule{Capacity: 2, Window: time.Minute, Refill: 2})

	for i := 0; i < 2; i++ {
		rec, _ := env.do(t, http.MethodGet, "/api/places/top", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec, resp := env.do(t, http.MethodGet, "/api/places/top", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", resp.Message)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health stays reachable no matter how noisy the client is.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "1.2.3.4:50000"
	hrec := httptest.NewRecorder()
	env.router.ServeHTTP(hrec, req)
	assert.Equal(t, http.StatusOK, hrec.Code)
}
