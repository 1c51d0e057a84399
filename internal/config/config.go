package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr          string
	APIKeys             []string
	AudioStagePath      string
	VideoStagePath      string
	VideoNoiseIntensity float64
	UploadDir           string
	MaxUploadMB         int
	QueueSize           int
	RateLimitRPS        int
	CORSOrigins         []string
	ArchiveDBPath       string
	S3Endpoint          string
	S3AccessKey         string
	S3SecretKey         string
	S3Bucket            string
	S3UseSSL            bool
}

// Load reads configuration from MEDIASCRUB_* environment variables.
// The S3 settings are required; everything else has a sensible default.
// An empty MEDIASCRUB_API_KEYS disables API authentication entirely.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("MEDIASCRUB_LISTEN_ADDR", ":8080"),
		AudioStagePath: getEnv("MEDIASCRUB_AUDIO_STAGE", "/opt/mediascrub/stages/process_audio.py"),
		VideoStagePath: getEnv("MEDIASCRUB_VIDEO_STAGE", "/opt/mediascrub/stages/process_video_adversarial.py"),
		UploadDir:      getEnv("MEDIASCRUB_UPLOAD_DIR", "/var/lib/mediascrub/uploads"),
		ArchiveDBPath:  getEnv("MEDIASCRUB_ARCHIVE_DB_PATH", "mediascrub-history.db"),
		S3Endpoint:     getEnv("MEDIASCRUB_S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("MEDIASCRUB_S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("MEDIASCRUB_S3_SECRET_KEY", ""),
		S3Bucket:       getEnv("MEDIASCRUB_S3_BUCKET", ""),
	}

	for _, k := range strings.Split(getEnv("MEDIASCRUB_API_KEYS", ""), ",") {
		if k = strings.TrimSpace(k); k != "" {
			cfg.APIKeys = append(cfg.APIKeys, k)
		}
	}
	for _, o := range strings.Split(getEnv("MEDIASCRUB_CORS_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	var err error
	cfg.QueueSize, err = getEnvInt("MEDIASCRUB_QUEUE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("MEDIASCRUB_QUEUE_SIZE: %w", err)
	}
	if cfg.QueueSize < 1 {
		return nil, errors.New("MEDIASCRUB_QUEUE_SIZE must be > 0")
	}

	cfg.MaxUploadMB, err = getEnvInt("MEDIASCRUB_MAX_UPLOAD_MB", 512)
	if err != nil {
		return nil, fmt.Errorf("MEDIASCRUB_MAX_UPLOAD_MB: %w", err)
	}
	if cfg.MaxUploadMB < 1 {
		return nil, errors.New("MEDIASCRUB_MAX_UPLOAD_MB must be > 0")
	}

	cfg.RateLimitRPS, err = getEnvInt("MEDIASCRUB_RATE_LIMIT_RPS", 0)
	if err != nil {
		return nil, fmt.Errorf("MEDIASCRUB_RATE_LIMIT_RPS: %w", err)
	}

	cfg.VideoNoiseIntensity, err = getEnvFloat("MEDIASCRUB_VIDEO_INTENSITY", 3.0)
	if err != nil {
		return nil, fmt.Errorf("MEDIASCRUB_VIDEO_INTENSITY: %w", err)
	}
	if cfg.VideoNoiseIntensity <= 0 {
		return nil, errors.New("MEDIASCRUB_VIDEO_INTENSITY must be > 0")
	}

	cfg.S3UseSSL = getEnv("MEDIASCRUB_S3_USE_SSL", "false") == "true"

	if cfg.S3Endpoint == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" || cfg.S3Bucket == "" {
		return nil, errors.New("MEDIASCRUB_S3_ENDPOINT, MEDIASCRUB_S3_ACCESS_KEY, MEDIASCRUB_S3_SECRET_KEY and MEDIASCRUB_S3_BUCKET must all be set")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return f, nil
}
