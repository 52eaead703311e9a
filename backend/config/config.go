// Package config loads settings for relay and viewer binaries.
// Sources are applied in order: defaults, yaml file,
// environment (with optional .env file), command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "WATCHPARTY_"
	EnvConfig = EnvPrefix + "CONFIG"

	FlagConfig = "config"
)

var (
	ErrRead    = errors.New("failed to read config file")
	ErrParse   = errors.New("failed to parse config file")
	ErrEnv     = errors.New("invalid environment value")
	ErrInvalid = errors.New("invalid config")
)

type Log struct {
	Level  string `yaml:"log_level"`
	Pretty bool   `yaml:"log_pretty"`
}

type Relay struct {
	Log            `yaml:",inline"`
	APIListenAddr  string        `yaml:"api_listen_addr"`
	WSListenAddr   string        `yaml:"ws_listen_addr"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

type Viewer struct {
	Log           `yaml:",inline"`
	RelayURL      string        `yaml:"relay_url"`
	QuietInterval time.Duration `yaml:"quiet_interval"`
}

func DefaultRelay() Relay {
	return Relay{
		Log:            Log{Level: "info"},
		APIListenAddr:  ":8080",
		WSListenAddr:   ":8888",
		ForwardTimeout: time.Second,
		PingInterval:   5 * time.Second,
		PongWait:       7 * time.Second,
		MaxMessageSize: 9000,
	}
}

func DefaultViewer() Viewer {
	return Viewer{
		Log:           Log{Level: "info"},
		RelayURL:      "ws://localhost:8888/ws",
		QuietInterval: 100 * time.Millisecond,
	}
}

// LoadRelay returns defaults overridden by file at path (if not empty)
// and then by environment.
func LoadRelay(path string) (Relay, error) {
	cfg := DefaultRelay()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	env := &envReader{}
	env.log(&cfg.Log)
	env.str("API_LISTEN_ADDR", &cfg.APIListenAddr)
	env.str("WS_LISTEN_ADDR", &cfg.WSListenAddr)
	env.duration("FORWARD_TIMEOUT", &cfg.ForwardTimeout)
	env.duration("PING_INTERVAL", &cfg.PingInterval)
	env.duration("PONG_WAIT", &cfg.PongWait)
	env.number("MAX_MESSAGE_SIZE", &cfg.MaxMessageSize)
	return cfg, env.err()
}

func LoadViewer(path string) (Viewer, error) {
	cfg := DefaultViewer()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	env := &envReader{}
	env.log(&cfg.Log)
	env.str("RELAY_URL", &cfg.RelayURL)
	env.duration("QUIET_INTERVAL", &cfg.QuietInterval)
	return cfg, env.err()
}

// BindFlags registers relay flags, current values become flag defaults.
func (c *Relay) BindFlags(fs *pflag.FlagSet) {
	fs.StringP(FlagConfig, "c", "", "path to yaml config file")
	c.Log.bindFlags(fs)
	fs.StringVarP(&c.APIListenAddr, "api-listen-addr", "a", c.APIListenAddr, "api listen address")
	fs.StringVarP(&c.WSListenAddr, "ws-listen-addr", "w", c.WSListenAddr, "websocket relay listen address")
	fs.DurationVar(&c.ForwardTimeout, "forward-timeout", c.ForwardTimeout, "per-member forward deadline")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "websocket ping interval")
	fs.DurationVar(&c.PongWait, "pong-wait", c.PongWait, "websocket pong wait")
	fs.Int64Var(&c.MaxMessageSize, "max-message-size", c.MaxMessageSize, "max incoming websocket message size")
}

func (c *Viewer) BindFlags(fs *pflag.FlagSet) {
	fs.StringP(FlagConfig, "c", "", "path to yaml config file")
	c.Log.bindFlags(fs)
	fs.StringVarP(&c.RelayURL, "relay-url", "r", c.RelayURL, "relay websocket endpoint")
	fs.DurationVar(&c.QuietInterval, "quiet-interval", c.QuietInterval, "echo suppression window")
}

func (l *Log) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&l.Level, "log-level", "l", l.Level, "log level")
	fs.BoolVar(&l.Pretty, "log-pretty", l.Pretty, "human friendly console log output")
}

func (c *Relay) Validate() error {
	var errs []error
	errs = append(errs, c.Log.validate())
	if c.ForwardTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: forward timeout must be positive", ErrInvalid))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: ping interval must be positive", ErrInvalid))
	}
	if c.PongWait <= c.PingInterval {
		errs = append(errs, fmt.Errorf("%w: pong wait must exceed ping interval", ErrInvalid))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: max message size must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}

func (c *Viewer) Validate() error {
	var errs []error
	errs = append(errs, c.Log.validate())
	if c.RelayURL == "" {
		errs = append(errs, fmt.Errorf("%w: relay url is required", ErrInvalid))
	}
	if c.QuietInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: quiet interval must be positive", ErrInvalid))
	}
	return errors.Join(errs...)
}

func (l *Log) validate() error {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		return errors.Join(ErrInvalid, err)
	}
	return nil
}

// NewLogger builds root logger writing to w.
func (l *Log) NewLogger(w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.Nop(), errors.Join(ErrInvalid, err)
	}
	if l.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Path returns config file location given with --config/-c or
// through environment. Other flags are skipped.
func Path(args []string) (string, error) {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	path := fs.StringP(FlagConfig, "c", os.Getenv(EnvConfig), "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return *path, nil
}

// LoadDotEnv loads .env files into environment without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func loadFile(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(ErrRead, err)
	}
	if err = yaml.Unmarshal(data, dst); err != nil {
		return errors.Join(ErrParse, err)
	}
	return nil
}

type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	return v, ok && v != ""
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s%s=%q: %w", ErrEnv, EnvPrefix, key, value, err))
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) number(key string, dst *int64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) log(l *Log) {
	r.str("LOG_LEVEL", &l.Level)
	r.boolean("LOG_PRETTY", &l.Pretty)
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}
