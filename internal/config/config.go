package config

import (
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// HomeEnv overrides the state directory.
	HomeEnv = "LOCAL_HTTPS_HOME"

	IssuerMkcert = "mkcert"
	IssuerLocal  = "local"

	DefaultMaxConnections = 128
)

type Config struct {
	Server     ServerConfig  `toml:"server"`
	Certs      CertsConfig   `toml:"certs"`
	Logging    LoggingConfig `toml:"logging"`
	Home       string        `toml:"-"`
	LoadedPath string        `toml:"-"` // To be populated after loading
}

type ServerConfig struct {
	BindAddress    string `toml:"bind_address"`
	HTTPSPort      int    `toml:"https_port"`
	HTTPPort       int    `toml:"http_port"`
	RedirectHTTP   bool   `toml:"redirect_http"`
	ControlPort    int    `toml:"control_port"` // 0 disables the control API
	ShutdownGrace  string `toml:"shutdown_grace"`
	MaxConnections int    `toml:"max_connections"`
}

type CertsConfig struct {
	Issuer string `toml:"issuer"`
	Dir    string `toml:"dir"`
}

type LoggingConfig struct {
	// Application logs; an empty level disables them.
	AppLevel   string `toml:"app_level"`
	AppLogfile string `toml:"app_logfile"`

	// Access logs
	AccessToStdout bool   `toml:"access_to_stdout"`
	AccessLogfile  string `toml:"access_logfile"`
	AccessFormat   string `toml:"access_format"`

	// accessToStdoutSet records that the config file chose access_to_stdout.
	accessToStdoutSet bool
}

func (s *ServerConfig) GetShutdownGrace() time.Duration {
	d, err := time.ParseDuration(s.ShutdownGrace)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// CertDir returns the directory certificates are stored in.
func (c *Config) CertDir() string {
	if c.Certs.Dir != "" {
		return c.Certs.Dir
	}
	return filepath.Join(c.Home, "certs")
}

// ValidateAccessFormat validates the access log format
func (l *LoggingConfig) ValidateAccessFormat() string {
	switch l.AccessFormat {
	case "human", "json":
		return l.AccessFormat
	case "":
		return "human"
	default:
		slog.Warn("config: invalid access_format, using default", "invalid", l.AccessFormat, "default", "human")
		return "human"
	}
}

// ApplyProcessDetection sets AccessToStdout: stdout for foreground, none for
// a detached daemon. In the foreground an explicit access_to_stdout wins.
func (l *LoggingConfig) ApplyProcessDetection(isForeground bool) {
	if isForeground && l.accessToStdoutSet {
		return
	}
	l.AccessToStdout = isForeground
}

// HomeDir resolves the localhttps state directory. When running as root via
// sudo the invoking user's home is used so state is shared with unprivileged
// commands.
func HomeDir() string {
	if h := os.Getenv(HomeEnv); h != "" {
		if abs, err := filepath.Abs(h); err == nil {
			return abs
		}
		return h
	}
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" && os.Geteuid() == 0 {
		if u, err := user.Lookup(sudoUser); err == nil && u.HomeDir != "" {
			return filepath.Join(u.HomeDir, ".localhttps")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".localhttps"
	}
	return filepath.Join(home, ".localhttps")
}

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    "0.0.0.0",
			HTTPSPort:      443,
			HTTPPort:       80,
			RedirectHTTP:   true,
			ControlPort:    7443,
			ShutdownGrace:  "10s",
			MaxConnections: DefaultMaxConnections,
		},
		Certs: CertsConfig{
			Issuer: IssuerMkcert,
		},
		Logging: LoggingConfig{
			AppLevel:       "info",
			AccessToStdout: true, // Will be set properly by ApplyProcessDetection()
			AccessFormat:   "human",
		},
		Home: HomeDir(),
	}
}

// LoadConfig loads path, or the first config found in the standard locations
// when path is empty. No file at all yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	configPath := path
	if configPath == "" {
		locations := []string{
			filepath.Join(cfg.Home, "config.toml"),
			"./localhttps.toml",
			"/etc/localhttps/config.toml",
		}
		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}

	if configPath != "" {
		md, err := toml.DecodeFile(configPath, cfg)
		if err != nil {
			return nil, err
		}
		cfg.LoadedPath = configPath
		cfg.Logging.accessToStdoutSet = md.IsDefined("logging", "access_to_stdout")
	}

	validPort := func(name string, p *int, def int) {
		if *p < 1 || *p > 65535 {
			slog.Warn("config: invalid port, using default", "field", name, "invalid", *p, "default", def)
			*p = def
		}
	}
	validPort("https_port", &cfg.Server.HTTPSPort, 443)
	validPort("http_port", &cfg.Server.HTTPPort, 80)
	if cfg.Server.ControlPort < 0 || cfg.Server.ControlPort > 65535 {
		slog.Warn("config: invalid control_port, disabling control API", "invalid", cfg.Server.ControlPort)
		cfg.Server.ControlPort = 0
	}
	if cfg.Server.MaxConnections <= 0 {
		slog.Warn("config: invalid max_connections, using default", "invalid", cfg.Server.MaxConnections, "default", DefaultMaxConnections)
		cfg.Server.MaxConnections = DefaultMaxConnections
	}

	switch cfg.Certs.Issuer {
	case IssuerMkcert, IssuerLocal:
	default:
		slog.Warn("config: invalid certs.issuer, using default", "invalid", cfg.Certs.Issuer, "default", IssuerMkcert)
		cfg.Certs.Issuer = IssuerMkcert
	}

	if cfg.Logging.AppLevel != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[cfg.Logging.AppLevel] {
			slog.Warn("config: invalid app_level, using info", "invalid", cfg.Logging.AppLevel)
			cfg.Logging.AppLevel = "info"
		}
	}

	cfg.Logging.AccessFormat = cfg.Logging.ValidateAccessFormat()

	return cfg, nil
}
