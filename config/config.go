package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Logger   LoggerConfig
	SQL      SQLConfig
	Supabase SupabaseConfig
	Sync     SyncConfig
}

type ServerConfig struct {
	AppEnv string
}

type LoggerConfig struct {
	Level             string
	Encoding          string
	DisableCaller     bool
	DisableStacktrace bool
	FilePath          string
}

// SQLConfig describes the local point-of-sale SQL Server database.
type SQLConfig struct {
	Server      string
	Database    string
	WindowsAuth bool
	User        string
	Password    string
}

type SupabaseConfig struct {
	URL string
	Key string
}

type SyncConfig struct {
	// CloudStoreID identifies this store's partition in the shared store.
	CloudStoreID string
	// LocalStoreID is the Store_ID used by the local schema. Auto-detected
	// from the Inventory table at startup when possible.
	LocalStoreID string
	Interval     time.Duration
	// LocalTimezone is the IANA zone the local database's naive timestamps
	// are recorded in. Conflict resolution converts through this zone so
	// daylight-saving transitions compare correctly.
	LocalTimezone     string
	ConflictTolerance time.Duration
	HTTPTimeout       time.Duration
	StateFile         string
}

func LoadEnv() *Config {
	return &Config{
		Server: ServerConfig{
			AppEnv: getEnv("APP_ENV", "production"),
		},
		Logger: LoggerConfig{
			Level:             getEnv("LOGGER_LEVEL", "info"),
			Encoding:          getEnv("LOGGER_ENCODING", "console"),
			DisableCaller:     getEnvBool("LOGGER_DISABLE_CALLER", false),
			DisableStacktrace: getEnvBool("LOGGER_DISABLE_STACKTRACE", true),
			FilePath:          getEnv("LOG_FILE", "sync_agent.log"),
		},
		SQL: SQLConfig{
			Server:      getEnv("SQL_SERVER", "localhost"),
			Database:    getEnv("SQL_DATABASE", "cresql"),
			WindowsAuth: getEnvBool("WINDOWS_AUTH", true),
			User:        getEnv("SQL_USER", ""),
			Password:    getEnv("SQL_PASSWORD", ""),
		},
		Supabase: SupabaseConfig{
			URL: getEnv("SUPABASE_URL", ""),
			Key: getEnv("SUPABASE_KEY", ""),
		},
		Sync: SyncConfig{
			CloudStoreID:      getEnv("CLOUD_STORE_ID", ""),
			LocalStoreID:      getEnv("LOCAL_STORE_ID", "1001"),
			Interval:          time.Duration(getEnvInt("SYNC_INTERVAL", 30)) * time.Second,
			LocalTimezone:     getEnv("LOCAL_TIMEZONE", "America/Chicago"),
			ConflictTolerance: time.Duration(getEnvInt("CONFLICT_TOLERANCE_SECONDS", 3)) * time.Second,
			HTTPTimeout:       time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 60)) * time.Second,
			StateFile:         getEnv("STATE_FILE", "sync_state.json"),
		},
	}
}

// Validate reports startup-fatal configuration problems. Anything the agent
// can self-heal or default at runtime is deliberately not checked here.
func (c *Config) Validate() error {
	if c.Supabase.URL == "" {
		return errors.New("SUPABASE_URL is required")
	}
	if c.Supabase.Key == "" {
		return errors.New("SUPABASE_KEY is required")
	}
	if c.Sync.CloudStoreID == "" {
		return errors.New("CLOUD_STORE_ID is required")
	}
	if !c.SQL.WindowsAuth && (c.SQL.User == "" || c.SQL.Password == "") {
		return errors.New("SQL_USER and SQL_PASSWORD are required when WINDOWS_AUTH=false")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("SYNC_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
