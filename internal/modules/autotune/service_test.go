package autotune

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/redmargin/quantgate/internal/apperr"
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

func saveProfile(t *testing.T, svc *Service, scope, symbol string, params map[string]interface{}) Profile {
	t.Helper()
	p, err := svc.SaveProfile(Profile{
		StrategyName: "momentum",
		Scope:        scope,
		Symbol:       symbol,
		Params:       params,
	})
	require.NoError(t, err)
	return p
}

func TestSaveProfileValidation(t *testing.T) {
	svc := setupService(t)

	_, err := svc.SaveProfile(Profile{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.SaveProfile(Profile{StrategyName: "momentum", Scope: "REGIONAL"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	p := saveProfile(t, svc, "", "", nil)
	assert.Equal(t, ScopeGlobal, p.Scope)
	assert.False(t, p.Active, "new profiles start inactive")
	assert.NotNil(t, p.Params)
}

func TestActivateProfileKeepsOneActivePerKey(t *testing.T) {
	svc := setupService(t)
	first := saveProfile(t, svc, ScopeGlobal, "", map[string]interface{}{"lookback": 20.0})
	second := saveProfile(t, svc, ScopeGlobal, "", map[string]interface{}{"lookback": 60.0})
	other := saveProfile(t, svc, ScopeSymbol, "600519.SH", map[string]interface{}{"lookback": 10.0})

	_, err := svc.ActivateProfile(first.ID)
	require.NoError(t, err)
	_, err = svc.ActivateProfile(other.ID)
	require.NoError(t, err)

	// Activating the sibling demotes the first but leaves the symbol-scoped
	// profile untouched.
	_, err = svc.ActivateProfile(second.ID)
	require.NoError(t, err)

	profiles, err := svc.List("momentum")
	require.NoError(t, err)
	activeGlobal := 0
	for _, p := range profiles {
		if p.Active && p.Scope == ScopeGlobal {
			activeGlobal++
			assert.Equal(t, second.ID, p.ID)
		}
	}
	assert.Equal(t, 1, activeGlobal)

	refreshed, err := svc.Get(other.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.Active)
}

func TestResolveRuntimeParamsSymbolBeforeGlobal(t *testing.T) {
	svc := setupService(t)
	global := saveProfile(t, svc, ScopeGlobal, "", map[string]interface{}{"lookback": 20.0, "threshold": 0.05})
	symbol := saveProfile(t, svc, ScopeSymbol, "600519.sh", map[string]interface{}{"lookback": 10.0})
	_, err := svc.ActivateProfile(global.ID)
	require.NoError(t, err)
	_, err = svc.ActivateProfile(symbol.ID)
	require.NoError(t, err)

	merged, used, err := svc.ResolveRuntimeParams("momentum", "600519.SH", nil, true)
	require.NoError(t, err)
	require.NotNil(t, used)
	assert.Equal(t, symbol.ID, used.ID, "symbol scope wins over global")
	assert.Equal(t, 10.0, merged["lookback"])

	merged, used, err = svc.ResolveRuntimeParams("momentum", "000001.SZ", nil, true)
	require.NoError(t, err)
	require.NotNil(t, used)
	assert.Equal(t, global.ID, used.ID)
	assert.Equal(t, 20.0, merged["lookback"])
}

func TestResolveRuntimeParamsExplicitWins(t *testing.T) {
	svc := setupService(t)
	global := saveProfile(t, svc, ScopeGlobal, "", map[string]interface{}{"lookback": 20.0, "threshold": 0.05})
	_, err := svc.ActivateProfile(global.ID)
	require.NoError(t, err)

	merged, used, err := svc.ResolveRuntimeParams("momentum", "600519.SH",
		map[string]interface{}{"lookback": 90.0}, true)
	require.NoError(t, err)
	require.NotNil(t, used)
	assert.Equal(t, 90.0, merged["lookback"], "explicit params override the profile")
	assert.Equal(t, 0.05, merged["threshold"])
}

func TestResolveRuntimeParamsProfileOff(t *testing.T) {
	svc := setupService(t)
	global := saveProfile(t, svc, ScopeGlobal, "", map[string]interface{}{"lookback": 20.0})
	_, err := svc.ActivateProfile(global.ID)
	require.NoError(t, err)

	merged, used, err := svc.ResolveRuntimeParams("momentum", "600519.SH",
		map[string]interface{}{"lookback": 5.0}, false)
	require.NoError(t, err)
	assert.Nil(t, used)
	assert.Equal(t, map[string]interface{}{"lookback": 5.0}, merged)
}

func TestRolloutRuleGatesProfile(t *testing.T) {
	svc := setupService(t)
	global := saveProfile(t, svc, ScopeGlobal, "", map[string]interface{}{"lookback": 20.0})
	_, err := svc.ActivateProfile(global.ID)
	require.NoError(t, err)

	// Symbol-level rule beats the global default of enabled.
	require.NoError(t, svc.SetRolloutRule("momentum", "600519.SH", false, "paused"))

	_, used, err := svc.ResolveRuntimeParams("momentum", "600519.SH", nil, true)
	require.NoError(t, err)
	assert.Nil(t, used)

	_, used, err = svc.ResolveRuntimeParams("momentum", "000001.SZ", nil, true)
	require.NoError(t, err)
	assert.NotNil(t, used)

	// A global rule covers every symbol without its own rule.
	require.NoError(t, svc.SetRolloutRule("momentum", "", false, "halt all"))
	_, used, err = svc.ResolveRuntimeParams("momentum", "000001.SZ", nil, true)
	require.NoError(t, err)
	assert.Nil(t, used)

	// Re-enabling the symbol rule wins again over the global halt.
	require.NoError(t, svc.SetRolloutRule("momentum", "600519.SH", true, "pilot"))
	_, used, err = svc.ResolveRuntimeParams("momentum", "600519.SH", nil, true)
	require.NoError(t, err)
	assert.NotNil(t, used)
}

func TestRollbackActiveProfile(t *testing.T) {
	svc := setupService(t)

	_, err := svc.RollbackActiveProfile("momentum", ScopeGlobal, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	first := saveProfile(t, svc, ScopeGlobal, "", map[string]interface{}{"lookback": 20.0})
	_, err = svc.ActivateProfile(first.ID)
	require.NoError(t, err)

	_, err = svc.RollbackActiveProfile("momentum", ScopeGlobal, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "nothing older to fall back to")

	second := saveProfile(t, svc, ScopeGlobal, "", map[string]interface{}{"lookback": 60.0})
	_, err = svc.ActivateProfile(second.ID)
	require.NoError(t, err)

	restored, err := svc.RollbackActiveProfile("momentum", ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, restored.ID)
	assert.True(t, restored.Active)

	current, err := svc.Get(second.ID)
	require.NoError(t, err)
	assert.False(t, current.Active)
}
