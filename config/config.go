// Package config loads the application's configuration surface: server
// ports, pool sizing, and the ordered list of proxy sources. The loader is
// viper-backed and accepts YAML (primary), JSON, or environment overrides.
package config

import (
	"crypto/subtle"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sequring/chameleon/auth"
	"github.com/sequring/chameleon/utils"
)

// Valid values for SourceSpec.Kind, shared by config validation and the
// adapter-construction switch in cmd/chameleond so the two never drift.
const (
	SourceKindOculus    = "oculus"
	SourceKindProxyMesh = "proxymesh"
)

// SourceSpec is one entry in the ordered source list. Kind selects the
// adapter; only the fields relevant to that Kind need be set.
type SourceSpec struct {
	Kind string `yaml:"kind" mapstructure:"kind"` // SourceKindOculus or SourceKindProxyMesh
	Name string `yaml:"name" mapstructure:"name"`

	// oculus fields
	Endpoint     string   `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	OrderToken   string   `yaml:"order_token,omitempty" mapstructure:"order_token"`
	PlanType     string   `yaml:"plan_type,omitempty" mapstructure:"plan_type"`
	Country      string   `yaml:"country,omitempty" mapstructure:"country"`
	EnableSocks5 bool     `yaml:"enable_socks5,omitempty" mapstructure:"enable_socks5"`
	WhiteListIP  []string `yaml:"whitelist_ip,omitempty" mapstructure:"whitelist_ip"`

	// proxymesh fields
	Host        string `yaml:"host,omitempty" mapstructure:"host"`
	Port        string `yaml:"port,omitempty" mapstructure:"port"`
	Username    string `yaml:"username,omitempty" mapstructure:"username"`
	Password    string `yaml:"password,omitempty" mapstructure:"password"`
	ProbeTarget string `yaml:"probe_target,omitempty" mapstructure:"probe_target"`
}

// App is the top-level application configuration.
type App struct {
	ServerPort        string              `yaml:"server_port" mapstructure:"server_port"`
	MetricsListenAddr string              `yaml:"metrics_listen_addr" mapstructure:"metrics_listen_addr"`
	AdminListenAddr   string              `yaml:"admin_listen_addr" mapstructure:"admin_listen_addr"`
	ReloadToken       string              `yaml:"reload_token" mapstructure:"reload_token"`
	PoolSize          int                 `yaml:"pool_size" mapstructure:"pool_size"`
	LowWaterFraction  float64             `yaml:"low_water_fraction" mapstructure:"low_water_fraction"`
	MetricsInterval   string              `yaml:"metrics_interval" mapstructure:"metrics_interval"`
	Sources           []SourceSpec        `yaml:"sources" mapstructure:"sources"`
	Users             []auth.ClientConfig `yaml:"users" mapstructure:"users"`
}

const (
	DefaultServerPort       = ":1080"
	DefaultPoolSize         = 20
	DefaultLowWaterFraction = 0.3
	DefaultMetricsInterval  = "30s"
)

func applyDefaults(app *App) {
	if app.ServerPort == "" {
		app.ServerPort = DefaultServerPort
	}
	if app.PoolSize <= 0 {
		app.PoolSize = DefaultPoolSize
	}
	if app.LowWaterFraction <= 0 {
		app.LowWaterFraction = DefaultLowWaterFraction
	}
	if app.MetricsInterval == "" {
		app.MetricsInterval = DefaultMetricsInterval
	}
	if len(app.Users) == 0 {
		username, errUser := utils.GenerateRandomUsername()
		if errUser != nil {
			log.Printf("Error generating random username: %v. Using fallback.", errUser)
			username = "H9NrVNZeUupxfv4G9k"
		}
		password, errPass := utils.GenerateRandomSecurePassword()
		if errPass != nil {
			log.Printf("Error generating random password: %v. Using fallback.", errPass)
			password = "zj9wq5FEH2jj8Ywt7Z"
		}
		log.Println("Warning: No users defined in config. Generating a random user.")
		log.Println("======== DEFAULT USER CREDENTIALS (save these!) ========")
		log.Printf("Username: %s", username)
		log.Printf("Password: %s", password)
		log.Println("==========================================================")
		app.Users = append(app.Users, auth.ClientConfig{Username: username, Password: password, Allowed: true})
	}
}

// CheckReloadToken reports whether token matches the configured admin
// reload token. An empty configured token never matches, disabling the
// reload endpoint by default.
func (a App) CheckReloadToken(token string) bool {
	if a.ReloadToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.ReloadToken), []byte(token)) == 1
}

// Dump renders the effective configuration (defaults applied) as YAML.
// Backs the -print-config flag; includes credentials, so it is for local
// debugging, not for shipping logs.
func (a App) Dump() (string, error) {
	out, err := yaml.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("config: render yaml: %w", err)
	}
	return string(out), nil
}

// MetricsIntervalDuration parses MetricsInterval, falling back to the
// package default on a bad value.
func (a App) MetricsIntervalDuration() time.Duration {
	d, err := time.ParseDuration(a.MetricsInterval)
	if err != nil {
		d, _ = time.ParseDuration(DefaultMetricsInterval)
	}
	return d
}

// Load reads the app config from path (YAML or JSON, viper auto-detects by
// extension), overlays CHAMELEON_-prefixed environment variables, and
// applies defaults. onChange, if non-nil, is invoked (with the reloaded
// App) whenever the file changes on disk — viper's fsnotify-backed
// watcher, the same mechanism spf13/viper-based corpus configs use.
func Load(path string, onChange func(App)) (*App, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CHAMELEON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var app App
	if err := v.Unmarshal(&app); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&app)

	if onChange != nil {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("config: detected change in %s (%s), reloading", e.Name, e.Op)
			var reloaded App
			if err := v.Unmarshal(&reloaded); err != nil {
				log.Printf("config: reload failed: %v", err)
				return
			}
			applyDefaults(&reloaded)
			onChange(reloaded)
		})
	}

	return &app, nil
}
