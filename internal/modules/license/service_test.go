package license

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	svc, err := NewService(db, zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func save(t *testing.T, svc *Service, lic License) int64 {
	t.Helper()
	if lic.ValidFrom.IsZero() {
		lic.ValidFrom = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	id, err := svc.Save(lic)
	require.NoError(t, err)
	return id
}

var asOf = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func TestNoActiveLicenseFailsClosed(t *testing.T) {
	svc := setupService(t)

	decision, err := svc.Check("daily_bars", "tushare", "research", false, 0, asOf)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNoActiveLicense, decision.Reason)
	assert.Equal(t, FallbackWatermark, decision.Watermark)
}

func TestUsageScopeEnforced(t *testing.T) {
	svc := setupService(t)
	save(t, svc, License{
		DatasetName: "daily_bars", Provider: "tushare",
		UsageScopes: []string{"research"},
	})

	decision, err := svc.Check("daily_bars", "tushare", "research", false, 0, asOf)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = svc.Check("daily_bars", "tushare", "live_trading", false, 0, asOf)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonUsageScopeNotAllowed, decision.Reason)
}

func TestExportDeniedWithoutPermission(t *testing.T) {
	svc := setupService(t)
	save(t, svc, License{
		DatasetName: "audit_log", Provider: "internal",
		UsageScopes: []string{"export"}, AllowExport: false,
		Watermark: "Internal Use Only",
	})

	decision, err := svc.Check("audit_log", "internal", "export", true, 100, asOf)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonExportNotAllowed, decision.Reason)
	assert.Equal(t, "Internal Use Only", decision.Watermark, "watermark survives denial")
}

func TestExportRowCap(t *testing.T) {
	svc := setupService(t)
	rowCap := int64(500)
	save(t, svc, License{
		DatasetName: "audit_log", Provider: "internal",
		UsageScopes: []string{"export"}, AllowExport: true, MaxExportRows: &rowCap,
	})

	decision, err := svc.Check("audit_log", "internal", "export", true, 500, asOf)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = svc.Check("audit_log", "internal", "export", true, 501, asOf)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonExportRowsExceeded, decision.Reason)
}

func TestExpiredLicenseIsInactive(t *testing.T) {
	svc := setupService(t)
	validTo := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	save(t, svc, License{
		DatasetName: "daily_bars", Provider: "akshare",
		UsageScopes: []string{"research"}, ValidTo: &validTo,
	})

	decision, err := svc.Check("daily_bars", "akshare", "research", false, 0, asOf)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNoActiveLicense, decision.Reason)
}

func TestNewestActiveLicenseWins(t *testing.T) {
	svc := setupService(t)
	save(t, svc, License{
		DatasetName: "daily_bars", Provider: "tushare",
		UsageScopes: []string{"research"}, Watermark: "old",
	})
	newest := save(t, svc, License{
		DatasetName: "daily_bars", Provider: "tushare",
		UsageScopes: []string{"research", "live_trading"}, Watermark: "new",
	})

	decision, err := svc.Check("daily_bars", "tushare", "live_trading", false, 0, asOf)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, "new", decision.Watermark)
	require.NotNil(t, decision.LicenseID)
	assert.Equal(t, newest, *decision.LicenseID)
}
