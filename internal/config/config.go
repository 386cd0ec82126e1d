package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/tutorcall/internal/app"
	"github.com/dkeye/tutorcall/internal/app/calls"
	"github.com/dkeye/tutorcall/internal/auth"
	"github.com/dkeye/tutorcall/internal/logging"
)

const EnvPrefix = "TUTORCALL"

type Config struct {
	Mode       string         `mapstructure:"mode"`
	Port       int            `mapstructure:"port"`
	StaticPath string         `mapstructure:"static_path"`
	Auth       auth.Config    `mapstructure:"auth"`
	Signal     SignalConfig   `mapstructure:"signal"`
	Calls      CallsConfig    `mapstructure:"calls"`
	CallRate   RateConfig     `mapstructure:"call_rate"`
	CallPolicy string         `mapstructure:"call_policy"`
	ICEServers []ICEServer    `mapstructure:"ice_servers"`
	Log        logging.Config `mapstructure:"log"`
	Metrics    MetricsConfig  `mapstructure:"metrics"`
}

type SignalConfig struct {
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	PongWait    time.Duration `mapstructure:"pong_wait"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	SendBuffer  int           `mapstructure:"send_buffer"`
}

type CallsConfig struct {
	RingTimeout   time.Duration `mapstructure:"ring_timeout"`
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
	Grace         time.Duration `mapstructure:"grace"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func (c CallsConfig) Store() calls.Config {
	return calls.Config{
		RingTimeout:   c.RingTimeout,
		AnswerTimeout: c.AnswerTimeout,
		Grace:         c.Grace,
	}
}

// RateConfig limits call intents per user; Limit 0 disables it.
type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

func (s ICEServer) validate() error {
	if len(s.URLs) == 0 {
		return errors.New("urls required")
	}
	turn := false
	for _, u := range s.URLs {
		scheme, _, _ := strings.Cut(u, ":")
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			turn = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if turn && (s.Username == "" || s.Credential == "") {
		return errors.New("turn urls require username and credential")
	}
	return nil
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// WebRTCICEServers converts the configured servers to the shape clients
// pass to RTCPeerConnection.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.Secret) < auth.MinSecretLen {
		errs = append(errs, fmt.Errorf("auth.secret: %w", auth.ErrWeakSecret))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	positive := map[string]time.Duration{
		"signal.ping_period":   c.Signal.PingPeriod,
		"signal.pong_wait":     c.Signal.PongWait,
		"signal.send_timeout":  c.Signal.SendTimeout,
		"calls.ring_timeout":   c.Calls.RingTimeout,
		"calls.answer_timeout": c.Calls.AnswerTimeout,
		"calls.sweep_interval": c.Calls.SweepInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Signal.PongWait <= c.Signal.PingPeriod {
		errs = append(errs, errors.New("signal.pong_wait must exceed signal.ping_period"))
	}
	if c.Calls.Grace < 0 {
		errs = append(errs, errors.New("calls.grace must not be negative"))
	}
	if c.CallRate.Limit > 0 && c.CallRate.Interval <= 0 {
		errs = append(errs, errors.New("call_rate.interval must be positive"))
	}
	if _, err := app.NewPolicy(app.PolicyName(c.CallPolicy)); err != nil {
		errs = append(errs, fmt.Errorf("call_policy: %w", err))
	}
	for i, s := range c.ICEServers {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("ice_servers[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", "5s")

	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.pong_wait", "60s")
	v.SetDefault("signal.send_timeout", "2s")
	v.SetDefault("signal.send_buffer", 32)

	v.SetDefault("calls.ring_timeout", "30s")
	v.SetDefault("calls.answer_timeout", "15s")
	v.SetDefault("calls.grace", "30s")
	v.SetDefault("calls.sweep_interval", "1s")

	v.SetDefault("call_rate.limit", 5)
	v.SetDefault("call_rate.interval", "1m")
	v.SetDefault("call_policy", string(app.PolicyOpen))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.namespace", "tutorcall")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName if it exists and applies TUTORCALL_* environment
// overrides, after loading a .env file when present.
func LoadFile(fileName string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("policy", cfg.CallPolicy).
		Msg("config ready")
	return &cfg, nil
}
