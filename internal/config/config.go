// Package config loads the hub configuration from defaults, an optional YAML
// file, APPHUB_ environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/lowaak/applicator-hub/internal/executor"
	"github.com/lowaak/applicator-hub/internal/fleet"
	"github.com/lowaak/applicator-hub/internal/refresh"
	"github.com/mcuadros/go-defaults"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "APPHUB"

type LogConfig struct {
	Level      string `mapstructure:"level" default:"info"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" default:"10"`
	MaxBackups int    `mapstructure:"max_backups" default:"3"`
}

type ExecutorConfig struct {
	Spacing          time.Duration `mapstructure:"spacing" default:"350ms"`
	RetryInterval    time.Duration `mapstructure:"retry_interval" default:"200ms"`
	MaxAttempts      int           `mapstructure:"max_attempts" default:"10"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" default:"30s"`
}

type SupervisorConfig struct {
	// wait, reconnect or drop
	DiscoveryFailurePolicy string `mapstructure:"discovery_failure_policy" default:"wait"`
	MaxReconnectAttempts   int    `mapstructure:"max_reconnect_attempts" default:"5"`
}

type ScanConfig struct {
	Duration time.Duration `mapstructure:"duration" default:"60s"`
}

type ReadingConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" default:"1s"`
	Interval     time.Duration `mapstructure:"interval" default:"2s"`
	AutoStart    bool          `mapstructure:"auto_start" default:"true"`
}

type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr" default:":8080"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker" default:"tcp://localhost:1883"`
	ClientID    string `mapstructure:"client_id" default:"applicator-hub"`
	TopicPrefix string `mapstructure:"topic_prefix" default:"applicators"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Reading    ReadingConfig    `mapstructure:"reading"`
	Profile    fleet.Profile    `mapstructure:"profile"`
	// Devices are the applicator addresses connected on start.
	Devices  []string     `mapstructure:"devices"`
	Server   ServerConfig `mapstructure:"server"`
	MQTT     MQTTConfig   `mapstructure:"mqtt"`
	Simulate bool         `mapstructure:"simulate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// flag name -> config key
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"log-file":    "log.file",
	"simulate":    "simulate",
	"device":      "devices",
	"scan-time":   "scan.duration",
	"server":      "server.enabled",
	"server-addr": "server.addr",
	"mqtt":        "mqtt.enabled",
	"mqtt-broker": "mqtt.broker",
}

// RegisterFlags adds the configuration flags to fs. The defaults shown in
// help come from Default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("log-level", d.Log.Level, "log level (trace, debug, info, warn, error)")
	fs.String("log-file", d.Log.File, "also write logs to this rotating file")
	fs.Bool("simulate", d.Simulate, "use simulated applicators instead of Bluetooth")
	fs.StringSlice("device", d.Devices, "applicator address to connect (repeatable)")
	fs.Duration("scan-time", d.Scan.Duration, "how long a scan runs")
	fs.Bool("server", d.Server.Enabled, "serve the websocket API")
	fs.String("server-addr", d.Server.Addr, "websocket listen address")
	fs.Bool("mqtt", d.MQTT.Enabled, "publish events to MQTT")
	fs.String("mqtt-broker", d.MQTT.Broker, "MQTT broker URL")
}

// Load builds the configuration. fs may be nil; when it carries a --config
// flag that file is read, otherwise path is used. An empty path means no
// file.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, "", reflect.ValueOf(Default()).Elem())

	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerDefaults tells viper every key, so environment variables are seen by
// Unmarshal even when no file sets the key.
func registerDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			registerDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Supervisor.DiscoveryFailurePolicy = strings.ToLower(strings.TrimSpace(c.Supervisor.DiscoveryFailurePolicy))
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")

	devices := c.Devices[:0]
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		devices = append(devices, d)
	}
	c.Devices = devices
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := fleet.ParseDiscoveryFailurePolicy(c.Supervisor.DiscoveryFailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, errors.New("executor.max_attempts must be at least 1"))
	}
	if c.Executor.Spacing < 0 || c.Executor.RetryInterval < 0 {
		errs = append(errs, errors.New("executor intervals must not be negative"))
	}
	if c.Executor.OperationTimeout <= 0 {
		errs = append(errs, errors.New("executor.operation_timeout must be positive"))
	}
	if c.Supervisor.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("supervisor.max_reconnect_attempts must not be negative"))
	}
	if c.Scan.Duration <= 0 {
		errs = append(errs, errors.New("scan.duration must be positive"))
	}
	if c.Reading.Interval <= 0 || c.Reading.InitialDelay < 0 {
		errs = append(errs, errors.New("reading intervals must be positive"))
	}
	if err := c.Profile.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("profile: %w", err))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required when the server is enabled"))
	}
	return errors.Join(errs...)
}

// Fleet converts the loaded settings into the controller configuration.
func (c *Config) Fleet() fleet.Config {
	policy, _ := fleet.ParseDiscoveryFailurePolicy(c.Supervisor.DiscoveryFailurePolicy)
	return fleet.Config{
		Executor: executor.Config{
			Spacing:          c.Executor.Spacing,
			RetryInterval:    c.Executor.RetryInterval,
			MaxAttempts:      c.Executor.MaxAttempts,
			OperationTimeout: c.Executor.OperationTimeout,
		},
		Supervisor: fleet.SupervisorConfig{
			DiscoveryFailurePolicy: policy,
			MaxReconnectAttempts:   c.Supervisor.MaxReconnectAttempts,
		},
		Refresh: refresh.Config{
			InitialDelay: c.Reading.InitialDelay,
			Interval:     c.Reading.Interval,
		},
		Profile:          c.Profile,
		ScanDuration:     c.Scan.Duration,
		AutoStartReading: c.Reading.AutoStart,
	}
}
