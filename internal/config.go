package internal

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/ini.v1"
)

// ConfigFileName is resolved relative to the storage root unless an
// explicit path is given on the command line.
const ConfigFileName = "config.ini"

// PitchcapConfig is the full daemon configuration, loaded from config.ini
// with environment-variable overrides applied on top.
type PitchcapConfig struct {
	Camera     CameraConfig     `validate:"required"`
	Storage    StorageConfig    `validate:"required"`
	App        AppConfig        `validate:"required"`
	Processing ProcessingConfig `validate:"required"`
	TeamSnap   []TeamSnapTeamConfig
	PlayMetric []PlayMetricsTeamConfig
	Ntfy       NtfyConfig
	YouTube    YouTubeConfig
	CloudSync  CloudSyncConfig

	// path the config was loaded from, kept for write-back and cloud sync
	sourcePath string
}

type CameraConfig struct {
	Type     string `ini:"type" env:"PITCHCAP_CAMERA_TYPE" env-default:"dahua" validate:"oneof=dahua"`
	DeviceIP string `ini:"device_ip" env:"PITCHCAP_CAMERA_IP" validate:"required"`
	Username string `ini:"username" env:"PITCHCAP_CAMERA_USERNAME" validate:"required"`
	Password string `ini:"password" env:"PITCHCAP_CAMERA_PASSWORD" validate:"required"`
}

type StorageConfig struct {
	Path string `ini:"path" env:"PITCHCAP_STORAGE_PATH" validate:"required"`
}

type AppConfig struct {
	CheckIntervalSeconds int    `ini:"check_interval_seconds" env:"PITCHCAP_CHECK_INTERVAL" env-default:"60" validate:"min=5"`
	Timezone             string `ini:"timezone" env:"PITCHCAP_TIMEZONE"`
	UpdateURL            string `ini:"update_url" env:"PITCHCAP_UPDATE_URL"`
}

// ProcessingConfig carries advisory knobs. The pipeline stages are serial
// by design, so the concurrency values only bound future parallelism and
// are validated, not currently fanned out.
type ProcessingConfig struct {
	MaxConcurrentDownloads   int `ini:"max_concurrent_downloads" env-default:"1" validate:"min=1"`
	MaxConcurrentConversions int `ini:"max_concurrent_conversions" env-default:"1" validate:"min=1"`
	RetryAttempts            int `ini:"retry_attempts" env-default:"3" validate:"min=0"`
	RetryDelaySeconds        int `ini:"retry_delay" env-default:"30" validate:"min=0"`
}

type TeamSnapTeamConfig struct {
	AccessToken string `ini:"access_token"`
	TeamID      string `ini:"team_id"`
	TeamName    string `ini:"team_name"`
}

type PlayMetricsTeamConfig struct {
	Email    string `ini:"email"`
	Password string `ini:"password"`
	TeamID   int    `ini:"team_id"`
	TeamName string `ini:"team_name"`
}

type NtfyConfig struct {
	Enabled   bool   `ini:"enabled" env:"PITCHCAP_NTFY_ENABLED"`
	ServerURL string `ini:"server_url" env:"PITCHCAP_NTFY_SERVER" env-default:"https://ntfy.sh"`
	Topic     string `ini:"topic" env:"PITCHCAP_NTFY_TOPIC"`
}

type YouTubeConfig struct {
	Enabled       bool   `ini:"enabled" env:"PITCHCAP_YOUTUBE_ENABLED"`
	PrivacyStatus string `ini:"privacy_status" env:"PITCHCAP_YOUTUBE_PRIVACY" env-default:"unlisted" validate:"omitempty,oneof=public unlisted private"`
	ClientID      string `ini:"client_id" env:"PITCHCAP_YOUTUBE_CLIENT_ID"`
	ClientSecret  string `ini:"client_secret" env:"PITCHCAP_YOUTUBE_CLIENT_SECRET"`
	RefreshToken  string `ini:"refresh_token" env:"PITCHCAP_YOUTUBE_REFRESH_TOKEN"`

	// PlaylistMap maps my_team_name to the base playlist name, populated
	// from the [YOUTUBE.PLAYLIST_MAP] section.
	PlaylistMap map[string]string `ini:"-"`
}

type CloudSyncConfig struct {
	Enabled     bool   `ini:"enabled" env:"PITCHCAP_CLOUD_SYNC_ENABLED"`
	EndpointURL string `ini:"endpoint_url" env:"PITCHCAP_CLOUD_SYNC_ENDPOINT"`
	Username    string `ini:"username" env:"PITCHCAP_CLOUD_SYNC_USERNAME"`
}

// LoadConfig reads config.ini from the path provided, applies environment
// overrides, expands home-relative paths, auto-generates a ntfy topic when
// one is missing, and validates the result.
func LoadConfig(configPath string) (*PitchcapConfig, error) {
	file, err := ini.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", configPath, err)
	}

	config := &PitchcapConfig{sourcePath: configPath}
	sections := map[string]any{
		"CAMERA":     &config.Camera,
		"STORAGE":    &config.Storage,
		"APP":        &config.App,
		"PROCESSING": &config.Processing,
		"NTFY":       &config.Ntfy,
		"YOUTUBE":    &config.YouTube,
		"CLOUD_SYNC": &config.CloudSync,
	}
	for name, target := range sections {
		if err := file.Section(name).MapTo(target); err != nil {
			return nil, fmt.Errorf("failed to parse [%s]: %w", name, err)
		}
	}

	config.YouTube.PlaylistMap = file.Section("YOUTUBE.PLAYLIST_MAP").KeysHash()
	config.loadTeamSections(file)

	// Environment variables override anything the file said.
	if err := cleanenv.ReadEnv(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	expanded, err := homedir.Expand(config.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand storage path: %w", err)
	}
	config.Storage.Path = expanded

	if config.Ntfy.Enabled && config.Ntfy.Topic == "" {
		config.Ntfy.Topic = generateNtfyTopic()
		if err := config.writeBackTopic(file); err != nil {
			return nil, fmt.Errorf("failed to persist generated ntfy topic: %w", err)
		}
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}

	return config, nil
}

// loadTeamSections collects the per-team child sections: [TEAMSNAP.<team>]
// and [PLAYMETRICS.<team>]. The bare parent section, when it carries
// credentials, counts as one unnamed team.
func (config *PitchcapConfig) loadTeamSections(file *ini.File) {
	for _, section := range file.Sections() {
		name := section.Name()
		switch {
		case name == "TEAMSNAP" || strings.HasPrefix(name, "TEAMSNAP."):
			var team TeamSnapTeamConfig
			if err := section.MapTo(&team); err == nil && team.AccessToken != "" && team.TeamID != "" {
				config.TeamSnap = append(config.TeamSnap, team)
			}
		case name == "PLAYMETRICS" || strings.HasPrefix(name, "PLAYMETRICS."):
			var team PlayMetricsTeamConfig
			if err := section.MapTo(&team); err == nil && team.Email != "" && team.TeamID != 0 {
				config.PlayMetric = append(config.PlayMetric, team)
			}
		}
	}
}

// writeBackTopic persists the auto-generated topic so the operator's
// subscribed phone keeps working across restarts.
func (config *PitchcapConfig) writeBackTopic(file *ini.File) error {
	file.Section("NTFY").Key("topic").SetValue(config.Ntfy.Topic)

	var builder strings.Builder
	if _, err := file.WriteTo(&builder); err != nil {
		return err
	}

	return renameio.WriteFile(config.sourcePath, []byte(builder.String()), 0o644)
}

func generateNtfyTopic() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "pitchcap-" + hex[:12]
}

// SourcePath returns the path the config was loaded from.
func (config *PitchcapConfig) SourcePath() string { return config.sourcePath }

// QueuePath resolves a queue state file under the storage root.
func (config *PitchcapConfig) QueuePath(name string) string {
	return filepath.Join(config.Storage.Path, name)
}
