package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MinIO      MinIOConfig      `yaml:"minio"`
	Vision     VisionConfig     `yaml:"vision"`
	Matching   MatchingConfig   `yaml:"matching"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	APIKey   string `yaml:"api_key"`
	KioskKey string `yaml:"kiosk_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	// URL, when set, takes precedence over the individual fields.
	URL string `yaml:"url"`
}

func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir   string `yaml:"models_dir"`
	WorkerCount int    `yaml:"worker_count"`
}

type MatchingConfig struct {
	FaceThreshold   float64       `yaml:"face_threshold"`
	VoiceThreshold  float64       `yaml:"voice_threshold"`
	FaceDim         int           `yaml:"face_dim"`
	VoiceDim        int           `yaml:"voice_dim"`
	RequireVoice    bool          `yaml:"require_voice"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type AttendanceConfig struct {
	Window        time.Duration `yaml:"window"`
	LabelBoundary int           `yaml:"label_boundary_minutes"`
	Timezone      string        `yaml:"timezone"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Location resolves Timezone, falling back to UTC.
func (a AttendanceConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
// An empty path skips the file and uses environment and defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	m := c.Matching
	if m.FaceThreshold < -1 || m.FaceThreshold > 1 {
		return fmt.Errorf("matching.face_threshold must be within [-1, 1], got %v", m.FaceThreshold)
	}
	if m.VoiceThreshold < -1 || m.VoiceThreshold > 1 {
		return fmt.Errorf("matching.voice_threshold must be within [-1, 1], got %v", m.VoiceThreshold)
	}
	if c.Attendance.Window < time.Minute {
		return fmt.Errorf("attendance.window must be at least one minute, got %s", c.Attendance.Window)
	}
	if _, err := c.Attendance.Location(); err != nil {
		return err
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "attend"
	}
	if cfg.Vision.WorkerCount == 0 {
		cfg.Vision.WorkerCount = 4
	}
	if cfg.Matching.FaceThreshold == 0 {
		cfg.Matching.FaceThreshold = 0.62
	}
	if cfg.Matching.VoiceThreshold == 0 {
		cfg.Matching.VoiceThreshold = 0.68
	}
	if cfg.Matching.FaceDim == 0 {
		cfg.Matching.FaceDim = 512
	}
	if cfg.Matching.VoiceDim == 0 {
		cfg.Matching.VoiceDim = 192
	}
	if cfg.Matching.RefreshInterval == 0 {
		cfg.Matching.RefreshInterval = 5 * time.Minute
	}
	if cfg.Attendance.Window == 0 {
		cfg.Attendance.Window = 9 * time.Hour
	}
	if cfg.Attendance.LabelBoundary == 0 {
		cfg.Attendance.LabelBoundary = 480
	}
	if cfg.Attendance.SweepInterval == 0 {
		cfg.Attendance.SweepInterval = time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ATTEND_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ATTEND_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("ATTEND_KIOSK_KEY"); v != "" {
		cfg.Server.KioskKey = v
	}
	if v := os.Getenv("ATTEND_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ATTEND_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("ATTEND_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("ATTEND_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("ATTEND_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("ATTEND_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("ATTEND_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("ATTEND_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("ATTEND_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("ATTEND_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("ATTEND_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("ATTEND_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("ATTEND_VISION_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Vision.WorkerCount = n
		}
	}
	if v := os.Getenv("ATTEND_FACE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Matching.FaceThreshold = f
		}
	}
	if v := os.Getenv("ATTEND_VOICE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Matching.VoiceThreshold = f
		}
	}
	if v := os.Getenv("ATTEND_REQUIRE_VOICE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Matching.RequireVoice = b
		}
	}
	if v := os.Getenv("ATTEND_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Attendance.Window = d
		}
	}
	if v := os.Getenv("ATTEND_TIMEZONE"); v != "" {
		cfg.Attendance.Timezone = v
	}
	if v := os.Getenv("ATTEND_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Attendance.SweepInterval = d
		}
	}
	if v := os.Getenv("ATTEND_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ATTEND_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
