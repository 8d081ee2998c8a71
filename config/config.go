package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database configuration
type DBConfig struct {
	Type     string `yaml:"type"` // postgres | sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System configuration
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig Admin API / websocket server configuration
type WebConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"` // HS256 key used to verify tenant tokens
}

// LogConfig Logging configuration
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// WhatsAppConfig connection lifecycle knobs
type WhatsAppConfig struct {
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	AuthResetDelay   time.Duration `yaml:"auth_reset_delay"`
	ForceReinitDelay time.Duration `yaml:"force_reinit_delay"`
	LogoutTimeout    time.Duration `yaml:"logout_timeout"`
	QRSize           int           `yaml:"qr_size"`
	ClientLogLevel   string        `yaml:"client_log_level"`
	ResumeOnStart    bool          `yaml:"resume_on_start"`
}

// QueueConfig delivery queue worker
type QueueConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	Workers     int           `yaml:"workers"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// CampaignConfig spacing applied to category campaigns
type CampaignConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// TellMeConfig new-customer notification side channel
type TellMeConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	LogRetainDays int           `yaml:"log_retain_days"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Queue    QueueConfig    `yaml:"queue"`
	Campaign CampaignConfig `yaml:"campaign"`
	TellMe   TellMeConfig   `yaml:"tellme"`
}

func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return filepath.Join(c.System.Workdir, "data")
}

// InitDirs creates the working directories
func (c *AppConfig) InitDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

// DefaultAppConfig returns a config usable for a local sqlite deployment
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "ToughWA",
			Location: "Asia/Kolkata",
			Workdir:  "/var/toughwa",
		},
		Web: WebConfig{
			Host:   "0.0.0.0",
			Port:   1880,
			Secret: "9b6de5cc-0731-4bf1-8e3e-8b1d2c0a9f6e",
		},
		Database: DBConfig{
			Type:     "sqlite",
			Name:     "toughwa.db",
			MaxConn:  50,
			IdleConn: 10,
		},
		Logger: LogConfig{
			Mode:       "development",
			FileEnable: true,
			Filename:   "/var/toughwa/logs/toughwa.log",
		},
		WhatsApp: WhatsAppConfig{
			ReconnectDelay:   2 * time.Second,
			AuthResetDelay:   time.Second,
			ForceReinitDelay: 500 * time.Millisecond,
			LogoutTimeout:    10 * time.Second,
			QRSize:           256,
			ClientLogLevel:   "WARN",
			ResumeOnStart:    true,
		},
		Queue: QueueConfig{
			Interval:    5 * time.Second,
			BatchSize:   10,
			Workers:     8,
			SendTimeout: 30 * time.Second,
		},
		Campaign: CampaignConfig{
			MinDelay: 10 * time.Second,
			MaxDelay: 30 * time.Second,
		},
		TellMe: TellMeConfig{
			Timeout:       5 * time.Second,
			RetryAttempts: 2,
			LogRetainDays: 30,
		},
	}
}

// LoadConfig reads the yaml file (if any) over the defaults, then applies
// TOUGHWA_* environment overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if cfile == "" {
		cfile = "toughwa.yml"
	}
	if _, err := os.Stat(cfile); err == nil {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", cfile)
		}
	}

	setEnvValue("TOUGHWA_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("TOUGHWA_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("TOUGHWA_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("TOUGHWA_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("TOUGHWA_WEB_PORT", &cfg.Web.Port)
	setEnvValue("TOUGHWA_WEB_SECRET", &cfg.Web.Secret)

	setEnvValue("TOUGHWA_DB_TYPE", &cfg.Database.Type)
	setEnvValue("TOUGHWA_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("TOUGHWA_DB_PORT", &cfg.Database.Port)
	setEnvValue("TOUGHWA_DB_NAME", &cfg.Database.Name)
	setEnvValue("TOUGHWA_DB_USER", &cfg.Database.User)
	setEnvValue("TOUGHWA_DB_PWD", &cfg.Database.Passwd)
	setEnvBoolValue("TOUGHWA_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("TOUGHWA_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("TOUGHWA_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvDurationValue("TOUGHWA_QUEUE_INTERVAL", &cfg.Queue.Interval)
	setEnvIntValue("TOUGHWA_QUEUE_BATCH_SIZE", &cfg.Queue.BatchSize)
	setEnvDurationValue("TOUGHWA_QUEUE_SEND_TIMEOUT", &cfg.Queue.SendTimeout)

	setEnvBoolValue("TELLME_API_ENABLED", &cfg.TellMe.Enabled)
	setEnvValue("TELLME_API_URL", &cfg.TellMe.URL)
	setEnvValue("TELLME_API_KEY", &cfg.TellMe.APIKey)
	setEnvIntValue("TELLME_API_RETRY_ATTEMPTS", &cfg.TellMe.RetryAttempts)
	if v := os.Getenv("TELLME_API_TIMEOUT"); v != "" {
		// milliseconds, as the notification service documents it
		cfg.TellMe.Timeout = time.Duration(cast.ToInt64(v)) * time.Millisecond
	}

	return cfg, nil
}

func setEnvValue(name string, val *string) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = cast.ToBool(strings.ToLower(evalue))
	}
}

func setEnvIntValue(name string, val *int) {
	var evalue = os.Getenv(name)
	if evalue == "" {
		return
	}
	p, err := cast.ToIntE(evalue)
	if err == nil {
		*val = p
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	var evalue = os.Getenv(name)
	if evalue == "" {
		return
	}
	d, err := cast.ToDurationE(evalue)
	if err == nil {
		*val = d
	}
}
