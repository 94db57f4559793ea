// Package config resolves the runtime configuration of punchsync.
//
// Sources, lowest precedence first: built-in defaults, an optional CUE file
// validated against the embedded schema, PUNCHSYNC_* environment variables.
// Command-line flags are applied on top by the cli package.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/akattendance/punchsync/internal/remote"
)

//go:embed schema.cue
var schemaSource string

// Remote backend kinds.
const (
	RemoteMySQL  = "mysql"
	RemoteMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PUNCHSYNC_"

// Config is the resolved configuration.
type Config struct {
	DBPath string `json:"db_path"`
	Remote string `json:"remote"`

	MySQL remote.MySQLConfig `json:"-"`

	PhotoDir     string `json:"photo_dir"`
	PhotoBaseURL string `json:"photo_base_url"`

	RedisAddr     string        `json:"redis_addr,omitempty"`
	RedisPassword string        `json:"-"`
	RedisDB       int           `json:"redis_db"`
	LeaseTTL      time.Duration `json:"lease_ttl"`

	AMQPURL   string `json:"amqp_url,omitempty"`
	HTTPAddr  string `json:"http_addr"`
	JWTSecret string `json:"-"`

	FaceThreshold float64       `json:"face_threshold"`
	SyncInterval  time.Duration `json:"sync_interval"`
	ProbeInterval time.Duration `json:"probe_interval"`
	CallTimeout   time.Duration `json:"call_timeout"`
	RetentionDays int           `json:"retention_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath: "punchsync.db",
		Remote: RemoteMySQL,
		MySQL: remote.MySQLConfig{
			Host: "localhost",
			Port: "3306",
			User: "root",
			Name: "attendance",
		},
		PhotoDir:      "photos",
		PhotoBaseURL:  "http://localhost:8080/photos/",
		LeaseTTL:      10 * time.Minute,
		HTTPAddr:      ":8080",
		FaceThreshold: 0.6,
		SyncInterval:  0,
		ProbeInterval: 15 * time.Second,
		CallTimeout:   30 * time.Second,
		RetentionDays: 7,
	}
}

// Load resolves defaults, then the CUE file at path (skipped when empty),
// then environment overrides read through getenv (os.Getenv when nil).
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		f, err := parseFile(path, data)
		if err != nil {
			return Config{}, err
		}
		if err := f.apply(&cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that hold whatever the source.
func (c Config) Validate() error {
	switch {
	case c.DBPath == "":
		return fmt.Errorf("config: db path is required")
	case c.Remote != RemoteMySQL && c.Remote != RemoteMemory:
		return fmt.Errorf("config: remote must be %q or %q, got %q", RemoteMySQL, RemoteMemory, c.Remote)
	case c.FaceThreshold <= 0 || c.FaceThreshold > 1:
		return fmt.Errorf("config: face threshold %v out of range (0, 1]", c.FaceThreshold)
	case c.RetentionDays < 1:
		return fmt.Errorf("config: retention days must be at least 1, got %d", c.RetentionDays)
	case c.CallTimeout <= 0:
		return fmt.Errorf("config: call timeout must be positive")
	case c.ProbeInterval <= 0:
		return fmt.Errorf("config: probe interval must be positive")
	case c.SyncInterval < 0:
		return fmt.Errorf("config: sync interval must not be negative")
	}
	return nil
}

// file mirrors #Config in schema.cue. Absent fields stay nil.
type file struct {
	DBPath *string `json:"db_path"`
	Remote *string `json:"remote"`

	MySQL *struct {
		Host     *string `json:"host"`
		Port     *string `json:"port"`
		User     *string `json:"user"`
		Password *string `json:"password"`
		Name     *string `json:"name"`
	} `json:"mysql"`

	Photos *struct {
		Dir     *string `json:"dir"`
		BaseURL *string `json:"base_url"`
	} `json:"photos"`

	Redis *struct {
		Addr     *string `json:"addr"`
		Password *string `json:"password"`
		DB       *int    `json:"db"`
		LeaseTTL *string `json:"lease_ttl"`
	} `json:"redis"`

	AMQPURL   *string `json:"amqp_url"`
	HTTPAddr  *string `json:"http_addr"`
	JWTSecret *string `json:"jwt_secret"`

	FaceThreshold *float64 `json:"face_threshold"`
	SyncInterval  *string  `json:"sync_interval"`
	ProbeInterval *string  `json:"probe_interval"`
	CallTimeout   *string  `json:"call_timeout"`
	RetentionDays *int     `json:"retention_days"`
}

// parseFile compiles data, unifies it with #Config and decodes it.
func parseFile(path string, data []byte) (*file, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var f file
	if err := unified.Decode(&f); err != nil {
		return nil, formatCUEError(err)
	}
	return &f, nil
}

// formatCUEError reports the first CUE error with its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		return fmt.Errorf("%s: %s", pos[0], first.Error())
	}
	return first
}

func (f *file) apply(cfg *Config) error {
	setString(&cfg.DBPath, f.DBPath)
	setString(&cfg.Remote, f.Remote)
	if m := f.MySQL; m != nil {
		setString(&cfg.MySQL.Host, m.Host)
		setString(&cfg.MySQL.Port, m.Port)
		setString(&cfg.MySQL.User, m.User)
		setString(&cfg.MySQL.Password, m.Password)
		setString(&cfg.MySQL.Name, m.Name)
	}
	if p := f.Photos; p != nil {
		setString(&cfg.PhotoDir, p.Dir)
		setString(&cfg.PhotoBaseURL, p.BaseURL)
	}
	if r := f.Redis; r != nil {
		setString(&cfg.RedisAddr, r.Addr)
		setString(&cfg.RedisPassword, r.Password)
		if r.DB != nil {
			cfg.RedisDB = *r.DB
		}
		if err := setDuration(&cfg.LeaseTTL, r.LeaseTTL); err != nil {
			return fmt.Errorf("redis.lease_ttl: %w", err)
		}
	}
	setString(&cfg.AMQPURL, f.AMQPURL)
	setString(&cfg.HTTPAddr, f.HTTPAddr)
	setString(&cfg.JWTSecret, f.JWTSecret)
	if f.FaceThreshold != nil {
		cfg.FaceThreshold = *f.FaceThreshold
	}
	if f.RetentionDays != nil {
		cfg.RetentionDays = *f.RetentionDays
	}
	for _, d := range []struct {
		name string
		dst  *time.Duration
		src  *string
	}{
		{"sync_interval", &cfg.SyncInterval, f.SyncInterval},
		{"probe_interval", &cfg.ProbeInterval, f.ProbeInterval},
		{"call_timeout", &cfg.CallTimeout, f.CallTimeout},
	} {
		if err := setDuration(d.dst, d.src); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("DB_PATH", &cfg.DBPath)
	str("REMOTE", &cfg.Remote)
	str("MYSQL_HOST", &cfg.MySQL.Host)
	str("MYSQL_PORT", &cfg.MySQL.Port)
	str("MYSQL_USER", &cfg.MySQL.User)
	str("MYSQL_PASSWORD", &cfg.MySQL.Password)
	str("MYSQL_NAME", &cfg.MySQL.Name)
	str("PHOTO_DIR", &cfg.PhotoDir)
	str("PHOTO_BASE_URL", &cfg.PhotoBaseURL)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("AMQP_URL", &cfg.AMQPURL)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("JWT_SECRET", &cfg.JWTSecret)

	if v := getenv(EnvPrefix + "REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		cfg.RedisDB = n
	}
	if v := getenv(EnvPrefix + "RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRETENTION_DAYS: %w", EnvPrefix, err)
		}
		cfg.RetentionDays = n
	}
	if v := getenv(EnvPrefix + "FACE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sFACE_THRESHOLD: %w", EnvPrefix, err)
		}
		cfg.FaceThreshold = f
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"SYNC_INTERVAL", &cfg.SyncInterval},
		{"PROBE_INTERVAL", &cfg.ProbeInterval},
		{"CALL_TIMEOUT", &cfg.CallTimeout},
		{"LEASE_TTL", &cfg.LeaseTTL},
	} {
		v := getenv(EnvPrefix + d.name)
		if err := setDuration(d.dst, nonEmpty(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, d.name, err)
		}
	}
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
