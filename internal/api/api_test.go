package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"tempshare/internal/cache"
	"tempshare/internal/config"
	"tempshare/internal/database"
	"tempshare/internal/handlers"
	"tempshare/internal/middleware"
	"tempshare/internal/scheduler"
	"tempshare/internal/services"
	"tempshare/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeJobs struct {
	calls atomic.Int32
	last  atomic.Value
	err   error
}

func (f *fakeJobs) RunNow(_ context.Context, name string) (services.SweepResult, error) {
	f.calls.Add(1)
	f.last.Store(name)
	return services.SweepResult{Candidates: 3, Affected: 2, Failed: 1}, f.err
}

type apiEnv struct {
	e    *echo.Echo
	jobs *fakeJobs
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		Upload: config.UploadConfig{
			MaxSize:             64 * 1024,
			AllowedExtens:       []string{".txt", ".csv"},
			ExpiryChoices:       []time.Duration{5 * time.Minute, 30 * time.Minute, time.Hour},
			DefaultMaxDownloads: 100,
			MaxDownloadsLimit:   1000,
			ScanMode:            services.ScanReject,
		},
		Security: config.SecurityConfig{
			SecretKey:         testSecret,
			AdminUsername:     "operator",
			AdminPasswordHash: string(hash),
			JWTExpiry:         time.Hour,
		},
		Site: config.SiteConfig{Name: "tempshare", URL: "https://share.example.com"},
	}

	db, err := database.New(&config.DatabaseConfig{
		Path:            filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	jobs := &fakeJobs{}
	h := NewHandlers(
		cfg,
		services.NewLifecycleManager(db, blobs, cache.Nop{}, cfg, logger),
		services.NewAnalyticsService(db),
		services.NewAdminAuth(cfg.Security),
		jobs,
		middleware.NewLoginRateLimiter(ctx, 3, 15*time.Minute),
		logger,
	)

	e := echo.New()
	e.HTTPErrorHandler = handlers.ErrorHandler(logger, cfg.Site.Name)
	RegisterRoutes(e, h, middleware.NewRateLimiter(ctx, 100, time.Minute).Middleware())

	return &apiEnv{e: e, jobs: jobs}
}

func (env *apiEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *apiEnv) upload(t *testing.T, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return env.do(req)
}

func (env *apiEnv) login(t *testing.T, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(LoginRequest{Username: username, Password: password})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/login", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return env.do(req)
}

func (env *apiEnv) token(t *testing.T) string {
	t.Helper()
	rec := env.login(t, "operator", "correct horse")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.AccessToken)
	return resp.Data.AccessToken
}

func (env *apiEnv) admin(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	return env.do(req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data
}

func TestCreateFileAndStatus(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.upload(t, "data.csv", "a,b\n1,2\n", map[string]string{"expiry_minutes": "30", "max_downloads": "3"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	file := decode[FileResponse](t, rec)
	assert.True(t, services.IsValidTokenFormat(file.Token))
	assert.Equal(t, "https://share.example.com/file/"+file.Token, file.ShareURL)
	assert.Equal(t, "https://share.example.com/download/"+file.Token, file.DownloadURL)
	assert.Equal(t, 3, file.Status.MaxDownloads)
	assert.Equal(t, 30*time.Minute, file.Status.ExpiresAt.Sub(file.Status.CreatedAt))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/"+file.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "data.csv", status.Data["filename"])
	assert.Equal(t, float64(3), status.Data["downloads_remaining"])
	assert.Equal(t, false, status.Data["is_expired"])
	assert.Equal(t, "8.0 B", status.Data["size_human"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/"+file.Token+"/admission", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AdmissionResponse{Allowed: true, Reason: "allowed"}, decode[AdmissionResponse](t, rec))
}

func TestCreateFileDefaults(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.upload(t, "notes.txt", "hello", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := decode[FileResponse](t, rec)
	assert.Equal(t, 100, file.Status.MaxDownloads)
	assert.Equal(t, 5*time.Minute, file.Status.ExpiresAt.Sub(file.Status.CreatedAt))
}

func TestCreateFileValidation(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name     string
		filename string
		content  string
		fields   map[string]string
		details  string
	}{
		{"extension", "run.sh", "echo hi", nil, "file"},
		{"expiry not offered", "a.txt", "x", map[string]string{"expiry_minutes": "10"}, "expiry"},
		{"expiry not a number", "a.txt", "x", map[string]string{"expiry_minutes": "ten"}, "expiry"},
		{"max downloads", "a.txt", "x", map[string]string{"max_downloads": "1001"}, "max_downloads"},
		{"rejected content", "a.txt", "<script>alert(1)</script>", nil, "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.upload(t, tt.filename, tt.content, tt.fields)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.details, resp.Details)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestUnknownFile(t *testing.T) {
	env := newAPIEnv(t)
	token := strings.Repeat("z", 43)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/"+token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"file not found","code":404}`, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/"+token+"/admission", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AdmissionResponse{Allowed: false, Reason: "not_found"}, decode[AdmissionResponse](t, rec))
}

func TestLogin(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.login(t, "operator", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.login(t, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := env.token(t)
	claims, err := ParseJWT(token, []byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, "tempshare", claims.Issuer)
	assert.Equal(t, "admin", claims.Role)
}

func TestLoginLockout(t *testing.T) {
	env := newAPIEnv(t)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, env.login(t, "operator", "wrong").Code)
	}
	rec := env.login(t, "operator", "correct horse")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAdminRequiresToken(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.admin(http.MethodGet, "/api/v1/admin/files", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.admin(http.MethodGet, "/api/v1/admin/files", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, _, err := GenerateJWT("operator", []byte(testSecret), time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	rec = env.admin(http.MethodGet, "/api/v1/admin/files", expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")

	forged, _, err := GenerateJWT("operator", []byte("another-secret-another-secret-xx"), time.Now(), time.Hour)
	require.NoError(t, err)
	rec = env.admin(http.MethodGet, "/api/v1/admin/files", forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRejectsOtherRoles(t *testing.T) {
	env := newAPIEnv(t)

	claims := &JWTClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tempshare",
			Subject:   "someone",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	rec := env.admin(http.MethodGet, "/api/v1/admin/files", token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminFilesAndAttempts(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t)

	rec := env.upload(t, "notes.txt", "hello", map[string]string{"max_downloads": "1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	file := decode[FileResponse](t, rec)

	rec = env.admin(http.MethodGet, "/api/v1/admin/files?limit=10", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []AdminFile `json:"data"`
		Total int         `json:"total"`
		Limit int         `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 10, list.Limit)
	require.Len(t, list.Data, 1)
	assert.Equal(t, file.Token, list.Data[0].Token)
	assert.Len(t, list.Data[0].ContentHash, 64)

	rec = env.admin(http.MethodGet, "/api/v1/admin/files/"+file.Token+"/attempts", token)
	require.Equal(t, http.StatusOK, rec.Code)
	attempts := decode[AttemptsResponse](t, rec)
	assert.Equal(t, "notes.txt", attempts.File.Filename)
	assert.Empty(t, attempts.Attempts)

	rec = env.admin(http.MethodGet, "/api/v1/admin/files/"+file.Token+"/attempts?format=xlsx", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.XLSXContentType, rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "attempts-")
	assert.Equal(t, "PK", rec.Body.String()[:2])

	rec = env.admin(http.MethodGet, "/api/v1/admin/files/"+strings.Repeat("q", 43)+"/attempts", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminStats(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t)

	require.Equal(t, http.StatusCreated, env.upload(t, "a.txt", "aaaa", nil).Code)

	rec := env.admin(http.MethodGet, "/api/v1/admin/stats?days=3", token)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[services.UsageReport](t, rec)
	assert.Equal(t, 3, report.Days)
	assert.Len(t, report.Daily, 3)
	assert.Equal(t, 1, report.Stats.TotalFiles)

	rec = env.admin(http.MethodGet, "/api/v1/admin/stats?days=bogus", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, decode[services.UsageReport](t, rec).Days)

	rec = env.admin(http.MethodGet, "/api/v1/admin/stats?format=xlsx", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.XLSXContentType, rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "-7d.xlsx")
}

func TestAdminSweeps(t *testing.T) {
	env := newAPIEnv(t)
	token := env.token(t)

	rec := env.admin(http.MethodPost, "/api/v1/admin/sweeps/expired", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.SweepResult{Candidates: 3, Affected: 2, Failed: 1}, decode[services.SweepResult](t, rec))
	assert.Equal(t, scheduler.JobSweepExpired, env.jobs.last.Load())

	rec = env.admin(http.MethodPost, "/api/v1/admin/sweeps/stale", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, scheduler.JobSweepStale, env.jobs.last.Load())

	env.jobs.err = scheduler.ErrJobRunning
	rec = env.admin(http.MethodPost, "/api/v1/admin/sweeps/stale", token)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, int32(3), env.jobs.calls.Load())
}
