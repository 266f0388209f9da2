package server

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/redmargin/quantgate/internal/config"
	"github.com/redmargin/quantgate/internal/modules/audit"
	"github.com/redmargin/quantgate/internal/modules/license"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	log := zerolog.Nop()

	open := func() *sql.DB {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { db.Close() })
		return db
	}
	auditStore, err := audit.NewStore(open(), log)
	require.NoError(t, err)
	licenses, err := license.NewService(open(), log)
	require.NoError(t, err)

	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.AuthHeaderName == "" {
		cfg.AuthHeaderName = "X-API-Key"
	}
	return New(Deps{
		Cfg:       cfg,
		Log:       log,
		Audit:     auditStore,
		Licenses:  licenses,
		StartedAt: time.Now().UTC(),
	})
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{
		AuthEnabled:    true,
		AuthHeaderName: "X-API-Key",
		AuthAPIKeys:    map[string]string{"secret": "operator"},
	}
	srv := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/events", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing key")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/audit/events", nil)
	req.Header.Set("X-API-Key", "wrong")
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unknown key")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/audit/events", nil)
	req.Header.Set("X-API-Key", "secret")
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	srv := newTestServer(t, &config.Config{})

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/verify-chain", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "valid")
}

func TestLicenseRoundTrip(t *testing.T) {
	srv := newTestServer(t, &config.Config{})

	body := strings.NewReader(`{
		"dataset_name": "daily_bars",
		"provider": "tushare",
		"usage_scopes": ["research"],
		"valid_from": "2024-01-01"
	}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/licenses/", body)
	req.Header.Set("Content-Type", "application/json")
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/licenses/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "daily_bars")
}

func TestBadJSONBodyIsBadRequest(t *testing.T) {
	srv := newTestServer(t, &config.Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/licenses/", strings.NewReader("{not json"))
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditExportCarriesWatermark(t *testing.T) {
	srv := newTestServer(t, &config.Config{})
	srv.deps.Audit.Log("test", "seed", "OK", map[string]interface{}{"n": 1})

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/export?format=csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# "+license.FallbackWatermark),
		"export opens with the watermark line even without a license on file")
}

func TestAuditExportEnforcedDenies(t *testing.T) {
	cfg := &config.Config{EnforceDataLicense: true}
	srv := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit/export", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
