package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultVehiclesURL is the Irish National Transport Authority GTFS-Realtime
// vehicles endpoint.
const DefaultVehiclesURL = "https://api.nationaltransport.ie/gtfsr/v2/Vehicles"

type Config struct {
	HTTPAddr     string        `validate:"required"`
	VehiclesURL  string        `validate:"required,url"`
	APIKey       string
	APIKeyHeader string        `validate:"required"`
	PollInterval time.Duration `validate:"gt=0"`
	FetchTimeout time.Duration `validate:"gt=0"`
	SendTimeout  time.Duration `validate:"gt=0"`

	// DatabaseURL is empty when no static GTFS database is configured; the
	// stop and route endpoints then answer 503.
	DatabaseURL string

	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool

	// ModelURL is the base URL of the delay prediction service. Empty means
	// ETAs always come from the schedule.
	ModelURL     string        `validate:"omitempty,url"`
	ModelTimeout time.Duration `validate:"gt=0"`

	// MetricsAddr, e.g. ":9102". Empty disables the metrics server.
	MetricsAddr string
	AppVersion  string `validate:"required"`
}

var validate = validator.New()

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		VehiclesURL:       getenvDefault("VEHICLES_URL", DefaultVehiclesURL),
		APIKey:            strings.TrimSpace(os.Getenv("API_KEY")),
		APIKeyHeader:      getenvDefault("API_KEY_HEADER", "x-api-key"),
		NATSURL:           strings.TrimSpace(os.Getenv("NATS_URL")),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "vehicles"),
		LogNATSSubjects:   parseBool(os.Getenv("LOG_NATS_SUBJECTS")),
		ModelURL:          strings.TrimRight(strings.TrimSpace(os.Getenv("MODEL_URL")), "/"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		AppVersion:        getenvDefault("APP_VERSION", "1.0.0"),
	}

	var err error
	if cfg.PollInterval, err = seconds("POLL_INTERVAL_SEC", 15); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = seconds("FETCH_TIMEOUT_SEC", 10); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = seconds("SEND_TIMEOUT_SEC", 5); err != nil {
		return nil, err
	}
	if cfg.ModelTimeout, err = seconds("MODEL_TIMEOUT_SEC", 5); err != nil {
		return nil, err
	}

	cfg.DatabaseURL = databaseURL()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.APIKey == "" {
		log.Printf("API_KEY is not set, upstream requests will be unauthenticated")
	}
	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars
// when PGDATABASE is set. It returns "" when nothing is configured.
func databaseURL() string {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn
	}
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return ""
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func seconds(key string, def int) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(def) * time.Second, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("%", "%25", "@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
