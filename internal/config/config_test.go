package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewManagerCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.Snapshot()
	assert.Equal(t, SendMethodForward, cfg.DefaultSendMethod)
	assert.Equal(t, ImageAspectOriginal, cfg.ImageAspect)
	assert.Equal(t, 5, cfg.MaxReconnectionAttempts)

	// The repaired file lands on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "DEFAULT_SEND_METHOD")
}

func TestNewManagerEmptyPath(t *testing.T) {
	_, err := NewManager("")
	assert.ErrorIs(t, err, ErrEmptyConfigPath)
}

func TestLoadRepairsMissingAndInvalidFields(t *testing.T) {
	path := writeConfig(t, `{
		"AUTHORIZED_NUMBERS": ["5511999990000"],
		"DEFAULT_SEND_METHOD": "CARRIER_PIGEON",
		"DELAY_BETWEEN_GROUPS": -4,
		"MAX_RECONNECTION_ATTEMPTS": 0
	}`)

	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.Snapshot()
	assert.Equal(t, []string{"5511999990000"}, cfg.AuthorizedNumbers)
	assert.Equal(t, SendMethodForward, cfg.DefaultSendMethod)
	assert.Equal(t, Default().DelayBetweenGroups, cfg.DelayBetweenGroups)
	assert.Equal(t, Default().MaxReconnectionAttempts, cfg.MaxReconnectionAttempts)
	assert.NotNil(t, cfg.GroupNameKeywords)
}

func TestLoadMalformedFileFallsBackToDefaults(t *testing.T) {
	path := writeConfig(t, "{not json at all")

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, Default().DefaultSendMethod, m.Snapshot().DefaultSendMethod)
}

func TestSnapshotIsolation(t *testing.T) {
	path := writeConfig(t, `{"AUTHORIZED_NUMBERS": ["111"]}`)
	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.Snapshot()
	cfg.AuthorizedNumbers[0] = "mutated"

	assert.Equal(t, []string{"111"}, m.Snapshot().AuthorizedNumbers)
}

func TestSetOwnNumberWriteBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := NewManager(path)
	require.NoError(t, err)

	changed, err := m.SetOwnNumber("5511999990000")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = m.SetOwnNumber("5511999990000")
	require.NoError(t, err)
	assert.False(t, changed)

	var onDisk map[string]interface{}
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "5511999990000", onDisk["OWN_NUMBER"])
}

func TestSetWAVersionWriteBack(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	version := [3]uint32{2, 3000, 99}
	changed, err := m.SetWAVersion(version)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, version, m.Snapshot().WAVersion)

	changed, err = m.SetWAVersion(version)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpdatePersistsAndSanitizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := NewManager(path)
	require.NoError(t, err)

	require.NoError(t, m.Update(func(c *Config) {
		c.GroupStatistics = true
		c.DelayBetweenMessages = -1
	}))

	cfg := m.Snapshot()
	assert.True(t, cfg.GroupStatistics)
	// Invalid values entered through the menu are clamped back to defaults.
	assert.Equal(t, Default().DelayBetweenMessages, cfg.DelayBetweenMessages)

	reloaded, err := NewManager(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Snapshot().GroupStatistics)
}
