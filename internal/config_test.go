package internal_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dgrayson/pitchcap/internal"
	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), internal.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func minimalConfig(t *testing.T, extra string) string {
	return writeConfig(t, fmt.Sprintf(`
[CAMERA]
device_ip = 192.168.1.108
username = admin
password = secret

[STORAGE]
path = %s

[APP]
check_interval_seconds = 30
%s`, t.TempDir(), extra))
}

func TestLoadConfig_ParsesSectionsAndDefaults(t *testing.T) {
	configPath := minimalConfig(t, `
[YOUTUBE]
enabled = true
client_id = id
client_secret = secret
refresh_token = token

[YOUTUBE.PLAYLIST_MAP]
Strikers = Strikers 2024
Rovers B = Rovers Reserves

[TEAMSNAP]
; parent section without credentials is not a team

[TEAMSNAP.STRIKERS]
access_token = ts-token
team_id = 12345
team_name = Strikers

[PLAYMETRICS.ROVERS]
email = coach@example.com
password = pm-secret
team_id = 777
team_name = Rovers
`)

	config, err := internal.LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "dahua", config.Camera.Type)
	assert.Equal(t, "192.168.1.108", config.Camera.DeviceIP)
	assert.Equal(t, 30, config.App.CheckIntervalSeconds)
	assert.Equal(t, "unlisted", config.YouTube.PrivacyStatus)
	assert.Equal(t, map[string]string{
		"Strikers": "Strikers 2024",
		"Rovers B": "Rovers Reserves",
	}, config.YouTube.PlaylistMap)

	require.Len(t, config.TeamSnap, 1)
	assert.Equal(t, "12345", config.TeamSnap[0].TeamID)
	assert.Equal(t, "Strikers", config.TeamSnap[0].TeamName)

	require.Len(t, config.PlayMetric, 1)
	assert.Equal(t, 777, config.PlayMetric[0].TeamID)

	assert.Equal(t, configPath, config.SourcePath())
	assert.Equal(t, filepath.Join(config.Storage.Path, "queue.json"), config.QueuePath("queue.json"))
}

func TestLoadConfig_EnvironmentOverridesFile(t *testing.T) {
	configPath := minimalConfig(t, "")
	t.Setenv("PITCHCAP_CAMERA_IP", "10.0.0.5")
	t.Setenv("PITCHCAP_CHECK_INTERVAL", "120")

	config, err := internal.LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", config.Camera.DeviceIP)
	assert.Equal(t, 120, config.App.CheckIntervalSeconds)
}

func TestLoadConfig_GeneratesAndPersistsNtfyTopic(t *testing.T) {
	configPath := minimalConfig(t, `
[NTFY]
enabled = true
`)

	config, err := internal.LoadConfig(configPath)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(config.Ntfy.Topic, "pitchcap-"), "topic %q", config.Ntfy.Topic)
	assert.Len(t, strings.TrimPrefix(config.Ntfy.Topic, "pitchcap-"), 12)

	// The generated topic is written back, so a restart keeps the same topic.
	reloaded, err := internal.LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, config.Ntfy.Topic, reloaded.Ntfy.Topic)
}

func TestLoadConfig_ExplicitTopicIsLeftAlone(t *testing.T) {
	configPath := minimalConfig(t, `
[NTFY]
enabled = true
topic = my-own-topic
`)

	config, err := internal.LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "my-own-topic", config.Ntfy.Topic)
}

func TestLoadConfig_RejectsIncompleteCameraSection(t *testing.T) {
	configPath := writeConfig(t, fmt.Sprintf(`
[CAMERA]
device_ip = 192.168.1.108
username = admin

[STORAGE]
path = %s
`, t.TempDir()))

	_, err := internal.LoadConfig(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration invalid")
}

func TestLoadConfig_MissingFileErrors(t *testing.T) {
	_, err := internal.LoadConfig(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}
