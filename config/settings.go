// Package config loads process settings from MG_* environment variables and
// CLI flags bound into a shared viper instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

const envPrefix = "MG"

// Settings keys, also used as flag names' viper bindings
const (
	KeyMaxTranscodeWorkers  = "max_transcode_workers"
	KeyMaxDownloadWorkers   = "max_download_workers"
	KeyProgressTTLSeconds   = "progress_ttl_seconds"
	KeyOutputDir            = "output_dir"
	KeyRetryMaxAttempts     = "retry_max_attempts"
	KeyRetryBaseDelay       = "retry_base_delay"
	KeyRetryMaxDelay        = "retry_max_delay"
	KeyMinFreeBytes         = "min_free_bytes"
	KeyJobSizeEstimateBytes = "job_size_estimate_bytes"
	KeyCleanupInterval      = "cleanup_interval"
	KeyFileMaxAge           = "file_max_age"
	KeyPort                 = "port"
	KeyCORSOrigins          = "cors_origins"
	KeyDebug                = "debug"

	KeyTranscodeMaxFileSize       = "transcode_max_file_size"
	KeyTranscodePrimaryHeight     = "transcode_primary_height"
	KeyTranscodePrimaryCRF        = "transcode_primary_crf"
	KeyTranscodePrimaryAudioKbps  = "transcode_primary_audio_kbps"
	KeyTranscodeFallbackHeight    = "transcode_fallback_height"
	KeyTranscodeFallbackCRF       = "transcode_fallback_crf"
	KeyTranscodeFallbackAudioKbps = "transcode_fallback_audio_kbps"
)

// TranscodeProfile is one set of encoder settings. MaxFileSize of zero means
// the output size is not checked.
type TranscodeProfile struct {
	Name        string `json:"name"`
	MaxHeight   int    `json:"maxHeight"`
	CRF         int    `json:"crf"`
	AudioKbps   int    `json:"audioKbps"`
	MaxFileSize uint64 `json:"maxFileSize"`
}

// TranscodeProfiles pairs the normal profile with a smaller one used when the
// primary output exceeds its size limit.
type TranscodeProfiles struct {
	Primary  TranscodeProfile `json:"primary"`
	Fallback TranscodeProfile `json:"fallback"`
}

const (
	PrimaryProfileName  = "fast-1080p30"
	FallbackProfileName = "compact-720p30"
)

// Settings holds the resolved runtime configuration
type Settings struct {
	MaxTranscodeWorkers  int           `json:"maxTranscodeWorkers"`
	MaxDownloadWorkers   int           `json:"maxDownloadWorkers"`
	ProgressTTL          time.Duration `json:"progressTtl"`
	OutputDir            string        `json:"outputDir"`
	RetryMaxAttempts     int           `json:"retryMaxAttempts"`
	RetryBaseDelay       time.Duration `json:"retryBaseDelay"`
	RetryMaxDelay        time.Duration `json:"retryMaxDelay"`
	MinFreeBytes         uint64        `json:"minFreeBytes"`
	JobSizeEstimateBytes uint64        `json:"jobSizeEstimateBytes"`
	CleanupInterval      time.Duration `json:"cleanupInterval"`
	FileMaxAge           time.Duration `json:"fileMaxAge"`
	Port                 int           `json:"port"`
	CORSOrigins          []string      `json:"corsOrigins"`
	Debug                bool          `json:"debug"`

	Transcode TranscodeProfiles `json:"transcode"`
}

// NewViper returns a viper instance reading MG_* variables with defaults applied
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyMaxTranscodeWorkers, 2)
	v.SetDefault(KeyMaxDownloadWorkers, 2)
	v.SetDefault(KeyProgressTTLSeconds, 300)
	v.SetDefault(KeyOutputDir, "output")
	v.SetDefault(KeyRetryMaxAttempts, 3)
	v.SetDefault(KeyRetryBaseDelay, time.Second)
	v.SetDefault(KeyRetryMaxDelay, time.Minute)
	v.SetDefault(KeyMinFreeBytes, 100*1024*1024)
	v.SetDefault(KeyJobSizeEstimateBytes, 500*1024*1024)
	v.SetDefault(KeyCleanupInterval, time.Hour)
	v.SetDefault(KeyFileMaxAge, 24*time.Hour)
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyCORSOrigins, "http://localhost:3000,http://localhost:5173")
	v.SetDefault(KeyDebug, false)

	v.SetDefault(KeyTranscodeMaxFileSize, 500*1024*1024)
	v.SetDefault(KeyTranscodePrimaryHeight, 1080)
	v.SetDefault(KeyTranscodePrimaryCRF, 22)
	v.SetDefault(KeyTranscodePrimaryAudioKbps, 160)
	v.SetDefault(KeyTranscodeFallbackHeight, 720)
	v.SetDefault(KeyTranscodeFallbackCRF, 28)
	v.SetDefault(KeyTranscodeFallbackAudioKbps, 128)
}

// Load resolves settings from the environment
func Load() (*Settings, error) {
	return LoadFrom(NewViper())
}

// LoadFrom resolves and validates settings from v, then creates the output
// directory.
func LoadFrom(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		MaxTranscodeWorkers:  v.GetInt(KeyMaxTranscodeWorkers),
		MaxDownloadWorkers:   v.GetInt(KeyMaxDownloadWorkers),
		ProgressTTL:          time.Duration(v.GetInt(KeyProgressTTLSeconds)) * time.Second,
		RetryMaxAttempts:     v.GetInt(KeyRetryMaxAttempts),
		RetryBaseDelay:       v.GetDuration(KeyRetryBaseDelay),
		RetryMaxDelay:        v.GetDuration(KeyRetryMaxDelay),
		MinFreeBytes:         v.GetUint64(KeyMinFreeBytes),
		JobSizeEstimateBytes: v.GetUint64(KeyJobSizeEstimateBytes),
		CleanupInterval:      v.GetDuration(KeyCleanupInterval),
		FileMaxAge:           v.GetDuration(KeyFileMaxAge),
		Port:                 v.GetInt(KeyPort),
		CORSOrigins:          splitList(v.GetString(KeyCORSOrigins)),
		Debug:                v.GetBool(KeyDebug),
		Transcode: TranscodeProfiles{
			Primary: TranscodeProfile{
				Name:        PrimaryProfileName,
				MaxHeight:   v.GetInt(KeyTranscodePrimaryHeight),
				CRF:         v.GetInt(KeyTranscodePrimaryCRF),
				AudioKbps:   v.GetInt(KeyTranscodePrimaryAudioKbps),
				MaxFileSize: v.GetUint64(KeyTranscodeMaxFileSize),
			},
			Fallback: TranscodeProfile{
				Name:      FallbackProfileName,
				MaxHeight: v.GetInt(KeyTranscodeFallbackHeight),
				CRF:       v.GetInt(KeyTranscodeFallbackCRF),
				AudioKbps: v.GetInt(KeyTranscodeFallbackAudioKbps),
			},
		},
	}

	checks := []struct {
		key     string
		value   int
		minimum int
	}{
		{KeyMaxTranscodeWorkers, s.MaxTranscodeWorkers, 1},
		{KeyMaxDownloadWorkers, s.MaxDownloadWorkers, 1},
		{KeyProgressTTLSeconds, v.GetInt(KeyProgressTTLSeconds), 60},
		{KeyRetryMaxAttempts, s.RetryMaxAttempts, 1},
		{KeyPort, s.Port, 1},
		{KeyTranscodePrimaryHeight, s.Transcode.Primary.MaxHeight, 144},
		{KeyTranscodePrimaryAudioKbps, s.Transcode.Primary.AudioKbps, 32},
		{KeyTranscodeFallbackHeight, s.Transcode.Fallback.MaxHeight, 144},
		{KeyTranscodeFallbackAudioKbps, s.Transcode.Fallback.AudioKbps, 32},
	}
	for _, c := range checks {
		if c.value < c.minimum {
			return nil, fmt.Errorf("%w: %s must be >= %d, got %d", ErrInvalidConfig, envName(c.key), c.minimum, c.value)
		}
	}
	for _, key := range []string{KeyTranscodePrimaryCRF, KeyTranscodeFallbackCRF} {
		if crf := v.GetInt(key); crf < 0 || crf > 51 {
			return nil, fmt.Errorf("%w: %s must be within 0..51, got %d", ErrInvalidConfig, envName(key), crf)
		}
	}
	if s.RetryBaseDelay <= 0 || s.RetryMaxDelay < s.RetryBaseDelay {
		return nil, fmt.Errorf("%w: %s must be positive and not exceed %s", ErrInvalidConfig, envName(KeyRetryBaseDelay), envName(KeyRetryMaxDelay))
	}
	if s.CleanupInterval <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, envName(KeyCleanupInterval))
	}

	outputDir, err := resolveDir(v.GetString(KeyOutputDir))
	if err != nil {
		return nil, err
	}
	s.OutputDir = outputDir
	return s, nil
}

func resolveDir(raw string) (string, error) {
	dir := strings.TrimSpace(raw)
	if dir == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidConfig, envName(KeyOutputDir))
	}
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", dir, err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve output dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create output dir %s: %w", abs, err)
	}
	return abs, nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(key)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
