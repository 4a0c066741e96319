package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scheduling limits.
	MaxConcurrentJobs int
	MaxQueueSize      int
	JobTimeout        time.Duration
	JobResultTTL      time.Duration
	SweepInterval     time.Duration

	// Result storage. S3 is used when ResultsS3Bucket is set.
	ResultsFolder      string
	ResultsS3Bucket    string
	ResultsS3Region    string
	ResultsS3Endpoint  string
	ResultsS3PathStyle bool
	ResultsS3Prefix    string

	// Generation backend. An empty GeneratorURL selects the local stylizer.
	GeneratorURL     string
	GeneratorTimeout time.Duration

	// Style profiles served to the frontend.
	ProfilesFile string

	// Upload handling and generation defaults.
	MaxUploadMB          int
	DefaultWidth         int
	DefaultHeight        int
	DefaultSteps         int
	DefaultGuidanceScale float64
	DefaultTrueCFGScale  float64
}

// Load reads configuration from the environment with sane defaults for local
// development. A .env file is honored when present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "5000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 2),
		MaxQueueSize:      getEnvInt("MAX_QUEUE_SIZE", 10),
		JobTimeout:        getEnvSeconds("JOB_TIMEOUT", 600*time.Second),
		JobResultTTL:      getEnvSeconds("JOB_RESULT_TTL", 900*time.Second),
		SweepInterval:     getEnvSeconds("SWEEP_INTERVAL", 60*time.Second),

		ResultsFolder:      getEnv("RESULTS_FOLDER", "generated_images"),
		ResultsS3Bucket:    getEnv("RESULTS_S3_BUCKET", ""),
		ResultsS3Region:    getEnv("RESULTS_S3_REGION", "us-east-1"),
		ResultsS3Endpoint:  getEnv("RESULTS_S3_ENDPOINT", ""),
		ResultsS3PathStyle: getEnvBool("RESULTS_S3_PATH_STYLE", false),
		ResultsS3Prefix:    getEnv("RESULTS_S3_PREFIX", "results/"),

		GeneratorURL:     getEnv("GENERATOR_URL", ""),
		GeneratorTimeout: getEnvSeconds("GENERATOR_TIMEOUT", 590*time.Second),

		ProfilesFile: getEnv("PROFILES_FILE", "static/profiles.json"),

		MaxUploadMB:          getEnvInt("MAX_UPLOAD_MB", 10),
		DefaultWidth:         getEnvInt("DEFAULT_WIDTH", 1024),
		DefaultHeight:        getEnvInt("DEFAULT_HEIGHT", 1024),
		DefaultSteps:         getEnvInt("DEFAULT_STEPS", 28),
		DefaultGuidanceScale: getEnvFloat("DEFAULT_GUIDANCE_SCALE", 2.5),
		DefaultTrueCFGScale:  getEnvFloat("DEFAULT_TRUE_CFG_SCALE", 1.0),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvSeconds accepts either a bare number of seconds (as the original
// deployment configs used) or a Go duration string.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
