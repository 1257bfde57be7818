package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("PARACHUTE_TEST_VAR", "hello")

	assert.Equal(t, "hello", expandEnvVars("${PARACHUTE_TEST_VAR}"))
	assert.Equal(t, "hello", expandEnvVars("$PARACHUTE_TEST_VAR"))
	assert.Equal(t, "pre-hello-post", expandEnvVars("pre-${PARACHUTE_TEST_VAR}-post"))
	assert.Equal(t, "", expandEnvVars("${PARACHUTE_TEST_UNSET}"))
	assert.Equal(t, "fallback", expandEnvVars("${PARACHUTE_TEST_UNSET:-fallback}"))
	assert.Equal(t, "hello", expandEnvVars("${PARACHUTE_TEST_VAR:-fallback}"))
	assert.Equal(t, "no refs here", expandEnvVars("no refs here"))
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("PARACHUTE_TEST_PORT", "8080")
	t.Setenv("PARACHUTE_TEST_FLAG", "true")

	data := map[string]interface{}{
		"server": map[string]interface{}{
			"port": "${PARACHUTE_TEST_PORT}",
		},
		"queue": map[string]interface{}{
			"persist": "${PARACHUTE_TEST_FLAG}",
		},
		"list":  []interface{}{"${PARACHUTE_TEST_PORT}", "plain"},
		"plain": 42,
	}

	out, ok := ExpandEnvVarsInData(data).(map[string]interface{})
	require.True(t, ok)

	server := out["server"].(map[string]interface{})
	assert.Equal(t, 8080, server["port"], "expanded values coerce to their natural type")

	queue := out["queue"].(map[string]interface{})
	assert.Equal(t, true, queue["persist"])

	list := out["list"].([]interface{})
	assert.Equal(t, 8080, list[0])
	assert.Equal(t, "plain", list[1])

	assert.Equal(t, 42, out["plain"])
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("VAULT_PATH", "/env/vault")
	t.Setenv("PARACHUTE_API_KEY", "secret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Default()
	require.NoError(t, ApplyEnvOverrides(cfg))

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "/env/vault", cfg.Vault.Path)
	assert.Equal(t, "secret", cfg.Server.APIKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnvOverrides_BadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	require.Error(t, ApplyEnvOverrides(Default()))
}
