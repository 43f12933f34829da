package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func loadEnvString(key string, result *string) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	*result = s
}

func loadEnvUint(key string, result *uint) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	*result = uint(n)
}

func loadEnvInt(key string, result *int) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	*result = n
}

func loadEnvDuration(key string, result *time.Duration) {
	s, ok := os.LookupEnv(key)

	if !ok {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return
	}
	*result = d
}

/* Configuration */

/* PgSQL Configuration */
type pgSqlConfig struct {
	Host     string `json:"host"`
	Port     uint   `json:"port"`
	Database string `json:"database"`
	SslMode  string `json:"ssl_mode"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (p pgSqlConfig) ConnStr() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s database=%s sslmode=%s", p.Host, p.Port, p.User, p.Password, p.Database, p.SslMode)
}

func defaultPgSql() pgSqlConfig {
	return pgSqlConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "jobrunner",
		User:     "",
		Password: "",
		SslMode:  "disable",
	}
}

func (p *pgSqlConfig) loadFromEnv() {
	loadEnvString("POSTGRES_HOST", &p.Host)
	loadEnvUint("POSTGRES_PORT", &p.Port)
	loadEnvString("POSTGRES_DB_NAME", &p.Database)
	loadEnvString("POSTGRES_SSLMODE", &p.SslMode)
	loadEnvString("POSTGRES_USERNAME", &p.User)
	loadEnvString("POSTGRES_PASSWORD", &p.Password)
}

/* Listen Configuration */

type listenConfig struct {
	Host string `json:"host"`
	Port uint   `json:"port"`
}

func (l listenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

func defaultListenConfig() listenConfig {
	return listenConfig{
		Host: "127.0.0.1",
		Port: 8080,
	}
}

func (l *listenConfig) loadFromEnv() {
	loadEnvString("LISTEN_HOST", &l.Host)
	loadEnvUint("LISTEN_PORT", &l.Port)
}

type natsConfig struct {
	Host     string
	Port     uint
	Username string
	Password string
	Enabled  bool
}

func (c *natsConfig) loadFromEnv() {
	c.Host = getEnv("NATS_HOST", "localhost")

	if portStr := getEnv("NATS_PORT", "4222"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			c.Port = uint(port)
		} else {
			c.Port = 4222
		}
	} else {
		c.Port = 4222
	}

	c.Username = getEnv("NATS_USER", "")
	c.Password = getEnv("NATS_PASSWORD", "")
	c.Enabled = getEnv("NATS_ENABLED", "true") == "true"
}

func (c *natsConfig) URL() string {
	return fmt.Sprintf("nats://%s:%d", c.Host, c.Port)
}

func defaultNatsConfig() natsConfig {
	return natsConfig{
		Host:     "localhost",
		Port:     4222,
		Username: "",
		Password: "",
		Enabled:  true,
	}
}

type securityConfig struct {
	BackendApiKey string
}

func (s *securityConfig) loadFromEnv() {
	s.BackendApiKey = getEnv("BACKEND_API_KEY", "")
}

func defaultSecurityConfig() securityConfig {
	return securityConfig{
		BackendApiKey: "",
	}
}

type redisConfig struct {
	Host     string `json:"host"`
	Port     uint   `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (r *redisConfig) loadFromEnv() {
	loadEnvString("REDIS_HOST", &r.Host)
	loadEnvUint("REDIS_PORT", &r.Port)
	loadEnvString("REDIS_PASSWORD", &r.Password)

	if dbStr := getEnv("REDIS_DB", "0"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			r.DB = db
		}
	}
}

func defaultRedisConfig() redisConfig {
	return redisConfig{
		Host:     "localhost",
		Port:     6379,
		Password: "",
		DB:       0,
	}
}

type GCSConfig struct {
	ProjectID       string
	CredentialsFile string
	Bucket          string
}

func (g *GCSConfig) loadFromEnv() {
	g.ProjectID = getEnv("GCS_PROJECT_ID", "")
	g.CredentialsFile = getEnv("GCS_CREDENTIALS_FILE", "")
	g.Bucket = getEnv("GCS_STORAGE_BUCKET", "")
}

func defaultGcsConfig() GCSConfig {
	return GCSConfig{
		ProjectID:       "",
		CredentialsFile: "",
		Bucket:          "",
	}
}

// JobsConfig holds the tunables for the job lifecycle core. Everything is
// handed to a job at construction time; nothing reads the environment mid-run.
type JobsConfig struct {
	EmitInterval       time.Duration
	CheckpointInterval time.Duration
	MaxRetries         int
	BackoffSchedule    []time.Duration
	SampleInterval     time.Duration
	MonitorJoinTimeout time.Duration
	AutoGcThresholdMB  int
	MaxAllowedMemoryMB int
	DefaultTimeout     time.Duration
	ArtifactDir        string
}

func (j *JobsConfig) loadFromEnv() {
	loadEnvDuration("JOBS_EMIT_INTERVAL", &j.EmitInterval)
	loadEnvDuration("JOBS_CHECKPOINT_INTERVAL", &j.CheckpointInterval)
	loadEnvInt("JOBS_MAX_RETRIES", &j.MaxRetries)
	loadEnvDuration("JOBS_SAMPLE_INTERVAL", &j.SampleInterval)
	loadEnvDuration("JOBS_MONITOR_JOIN_TIMEOUT", &j.MonitorJoinTimeout)
	loadEnvInt("JOBS_AUTO_GC_THRESHOLD_MB", &j.AutoGcThresholdMB)
	loadEnvInt("JOBS_MAX_ALLOWED_MEMORY_MB", &j.MaxAllowedMemoryMB)
	loadEnvDuration("JOBS_DEFAULT_TIMEOUT", &j.DefaultTimeout)
	loadEnvString("JOBS_ARTIFACT_DIR", &j.ArtifactDir)
}

func defaultJobsConfig() JobsConfig {
	return JobsConfig{
		EmitInterval:       500 * time.Millisecond,
		CheckpointInterval: time.Second,
		MaxRetries:         3,
		BackoffSchedule:    []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		SampleInterval:     4 * time.Second,
		MonitorJoinTimeout: 2 * time.Second,
		AutoGcThresholdMB:  0, // 0 means calibrate from available system memory at job start
		MaxAllowedMemoryMB: 0,
		DefaultTimeout:     0, // no watchdog unless the request asks for one
		ArtifactDir:        os.TempDir(),
	}
}

type Config struct {
	Listen   listenConfig
	PgSql    pgSqlConfig
	Security securityConfig
	Nats     natsConfig
	Redis    redisConfig
	GCS      GCSConfig
	Jobs     JobsConfig
}

func (c *Config) LoadFromEnv() {
	c.Listen.loadFromEnv()
	c.PgSql.loadFromEnv()
	c.Security.loadFromEnv()
	c.Nats.loadFromEnv()
	c.Redis.loadFromEnv()
	c.GCS.loadFromEnv()
	c.Jobs.loadFromEnv()
}

func DefaultConfig() Config {
	return Config{
		Listen:   defaultListenConfig(),
		PgSql:    defaultPgSql(),
		Security: defaultSecurityConfig(),
		Nats:     defaultNatsConfig(),
		Redis:    defaultRedisConfig(),
		GCS:      defaultGcsConfig(),
		Jobs:     defaultJobsConfig(),
	}
}
