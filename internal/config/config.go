package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/syrokomskyi/couchfine/pkg/couch"
)

type Config struct {
	Client  ClientConfig  `json:"client"`
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Events  EventsConfig  `json:"events"`
	Log     LogConfig     `json:"log"`
}

type ClientConfig struct {
	URL               string   `json:"url"`
	Username          string   `json:"username"`
	Password          string   `json:"password"`
	JWTSecret         string   `json:"jwt_secret"`
	JWTSubject        string   `json:"jwt_subject"`
	Timeout           Duration `json:"timeout"`
	MaxRetries        int      `json:"max_retries"`
	AccumulatorSize   int      `json:"accumulator_size"`
	UUIDBatch         int      `json:"uuid_batch"`
	MaxConflictRounds int      `json:"max_conflict_rounds"`
	FetchConcurrency  int      `json:"fetch_concurrency"`
}

type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Version         string   `json:"version"`
	UUIDAlgorithm   string   `json:"uuid_algorithm"`
	JWTSecret       string   `json:"jwt_secret"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

type StorageConfig struct {
	Backend      string `json:"backend"`
	MongoURI     string `json:"mongo_uri"`
	DatabaseName string `json:"database_name"`
}

type EventsConfig struct {
	NatsURL       string `json:"nats_url"`
	SubjectPrefix string `json:"subject_prefix"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Duration reads either a Go duration string ("5s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return errors.Errorf("invalid duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	return d, errors.Wrapf(err, "invalid duration %q", s)
}

func defaults() *Config {
	return &Config{
		Client: ClientConfig{
			URL:               "http://localhost:5984",
			JWTSubject:        "couchfine",
			Timeout:           Duration(30 * time.Second),
			MaxRetries:        3,
			AccumulatorSize:   couch.DefaultAccumulatorSize,
			UUIDBatch:         couch.DefaultUUIDBatch,
			MaxConflictRounds: couch.DefaultMaxConflictRounds,
			FetchConcurrency:  couch.DefaultFetchConcurrency,
		},
		Server: ServerConfig{
			Port:            5984,
			Version:         "3.3.3",
			UUIDAlgorithm:   "random",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Backend:      "memory",
			MongoURI:     "mongodb://localhost:27017",
			DatabaseName: "couchfine",
		},
		Events: EventsConfig{
			SubjectPrefix: "couchfine.changes",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig layers config/config.yml, config/config.local.yml and the
// environment over the defaults. Unreadable files are logged and skipped.
func LoadConfig() *Config {
	cfg := defaults()

	for _, path := range []string{"config/config.yml", "config/config.local.yml"} {
		if err := loadFile(path, cfg); err != nil {
			log.WithError(err).Warnf("config file %s ignored", path)
		}
	}
	applyEnv(cfg)
	return cfg
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return errors.Wrap(yaml.Unmarshal(data, cfg), path)
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("COUCH_URL", &cfg.Client.URL)
	str("COUCH_USER", &cfg.Client.Username)
	str("COUCH_PASSWORD", &cfg.Client.Password)
	str("COUCH_JWT_SECRET", &cfg.Client.JWTSecret)
	str("SERVER_JWT_SECRET", &cfg.Server.JWTSecret)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("MONGO_URI", &cfg.Storage.MongoURI)
	str("DB_NAME", &cfg.Storage.DatabaseName)
	str("NATS_URL", &cfg.Events.NatsURL)
	str("LOG_LEVEL", &cfg.Log.Level)

	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Server.Port = port
		} else {
			log.WithField("value", v).Warn("SERVER_PORT is not a number, ignored")
		}
	}
}

// Couch converts the client section into a couch.Config.
func (c ClientConfig) Couch() couch.Config {
	return couch.Config{
		URL:               c.URL,
		Username:          c.Username,
		Password:          c.Password,
		JWTSecret:         c.JWTSecret,
		JWTSubject:        c.JWTSubject,
		Timeout:           c.Timeout.Std(),
		MaxRetries:        c.MaxRetries,
		AccumulatorSize:   c.AccumulatorSize,
		UUIDBatch:         c.UUIDBatch,
		MaxConflictRounds: c.MaxConflictRounds,
		FetchConcurrency:  c.FetchConcurrency,
	}
}

// Addr is the listen address of the development server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}
