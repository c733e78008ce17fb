package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/RugbyTeam/Rugby/internal/log"
)

const EnvPrefix = "RUGBY"

// Config is the rugby configuration shared by the supervisor and the worker
// processes it spawns.
type Config struct {
	RootDir      string        `mapstructure:"root_dir" yaml:"root_dir"`
	Database     string        `mapstructure:"database" yaml:"database"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Listen       string        `mapstructure:"listen" yaml:"listen"`
	Verbose      bool          `mapstructure:"verbose" yaml:"verbose"`
	Log          string        `mapstructure:"log" yaml:"log"` // stderr|stdout|discard|path
	SourceDir    string        `mapstructure:"source_dir" yaml:"source_dir"`
	Vagrant      Vagrant       `mapstructure:"vagrant" yaml:"vagrant"`
	SSH          SSH           `mapstructure:"ssh" yaml:"ssh"`
}

type Vagrant struct {
	Binary   string `mapstructure:"binary" yaml:"binary"`
	Box      string `mapstructure:"box" yaml:"box"`
	SiteYML  string `mapstructure:"site_yml" yaml:"site_yml"`
	Template string `mapstructure:"template" yaml:"template"` // empty: built-in Vagrantfile template
}

type SSH struct {
	Password string        `mapstructure:"password" yaml:"password"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root_dir", "/opt/VMs")
	v.SetDefault("database", "")
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("listen", ":8080")
	v.SetDefault("verbose", false)
	v.SetDefault("log", log.Stderr)
	v.SetDefault("source_dir", "/home/vagrant/src")
	v.SetDefault("vagrant.binary", "vagrant")
	v.SetDefault("vagrant.box", "ubuntu/trusty64")
	v.SetDefault("vagrant.site_yml", "/opt/Rugby-Playbooks/site.yml")
	v.SetDefault("vagrant.template", "")
	v.SetDefault("ssh.password", "vagrant")
	v.SetDefault("ssh.timeout", 30*time.Second)
}

// LoadConfig reads the yaml file at path, if not empty, and applies RUGBY_*
// environment overrides, e.g. RUGBY_ROOT_DIR or RUGBY_SSH_TIMEOUT.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.SourceDir == "" {
		return fmt.Errorf("source_dir is empty")
	}
	return nil
}

// DatabasePath returns the registry file, <root_dir>/rugby.db unless configured.
func (c Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.RootDir, "rugby.db")
}

// BuildsDir is the parent of the job working directories. Cleanup removes a
// working directory, so it is kept apart from the database and the logs.
func (c Config) BuildsDir() string {
	return filepath.Join(c.RootDir, "builds")
}

// LogDir is where the per job logs are written. It lives outside the job
// working directories, which are removed on cleanup.
func (c Config) LogDir() string {
	return filepath.Join(c.RootDir, "logs")
}
