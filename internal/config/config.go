package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime and stub-server configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	// Exam API the runtime talks to.
	APIBaseURL string
	APIToken   string
	// WSURL is the exam monitor stream base. Empty disables violation streaming.
	WSURL string

	// Durable local cache.
	CacheBackend    string
	CacheSQLitePath string
	RedisURL        string
	CacheTTL        time.Duration

	// Session timings.
	AutosaveDebounce   time.Duration
	LocalCacheDebounce time.Duration
	SavedRevert        time.Duration
	ErrorRevert        time.Duration
	LoadRetries        int
	LoadBackoff        time.Duration
	LoadTimeout        time.Duration
	ProbeInterval      time.Duration
	MaxViolations      int
	LowTimeWarning     time.Duration

	// Stub server.
	ServerPort     string
	GinMode        string
	JWTSecret      string
	JWTExpiry      time.Duration
	StubExamsFile  string
	StubStudentID  string
	UploadDir      string
	MaxUploadBytes int64
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string

	// Smoke driver.
	SmokeExamID      string
	SmokeAnswersFile string
	SmokePractice    bool
	SmokeTimeout     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // .env is optional

	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "pretty"),

		APIBaseURL: getEnv("EXAM_API_BASE_URL", "http://localhost:8080/api/v1"),
		APIToken:   getEnv("EXAM_API_TOKEN", ""),
		WSURL:      getEnv("EXAM_WS_URL", ""),

		CacheBackend:    getEnv("CACHE_BACKEND", "sqlite"),
		CacheSQLitePath: getEnv("CACHE_SQLITE_PATH", "./exam-cache.db"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CacheTTL:        time.Duration(getEnvInt("CACHE_TTL_HOURS", 72)) * time.Hour,

		AutosaveDebounce:   getEnvMillis("AUTOSAVE_DEBOUNCE_MS", 10000),
		LocalCacheDebounce: getEnvMillis("LOCAL_CACHE_DEBOUNCE_MS", 1000),
		SavedRevert:        getEnvMillis("SAVED_REVERT_MS", 1500),
		ErrorRevert:        getEnvMillis("ERROR_REVERT_MS", 3000),
		LoadRetries:        getEnvInt("LOAD_RETRIES", 3),
		LoadBackoff:        getEnvMillis("LOAD_BACKOFF_MS", 1000),
		LoadTimeout:        getEnvMillis("LOAD_TIMEOUT_MS", 15000),
		ProbeInterval:      getEnvMillis("PROBE_INTERVAL_MS", 15000),
		MaxViolations:      getEnvInt("MAX_VIOLATIONS", 3),
		LowTimeWarning:     time.Duration(getEnvInt("LOW_TIME_WARNING_SECONDS", 300)) * time.Second,

		ServerPort:     getEnv("SERVER_PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		JWTSecret:      getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),
		JWTExpiry:      time.Duration(getEnvInt("JWT_EXPIRY_HOURS", 24)) * time.Hour,
		StubExamsFile:  getEnv("STUB_EXAMS_FILE", ""),
		StubStudentID:  getEnv("STUB_STUDENT_ID", "student-1"),
		UploadDir:      getEnv("UPLOAD_DIR", "./uploads"),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_SIZE_MB", 10)) * 1024 * 1024,
		AllowedOrigins: parseOrigins(getEnv("ALLOWED_ORIGINS", "")),

		SmokeExamID:      getEnv("SMOKE_EXAM_ID", ""),
		SmokeAnswersFile: getEnv("SMOKE_ANSWERS_FILE", ""),
		SmokePractice:    getEnv("SMOKE_PRACTICE", "false") == "true",
		SmokeTimeout:     time.Duration(getEnvInt("SMOKE_TIMEOUT_SECONDS", 60)) * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
