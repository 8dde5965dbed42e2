// Package config loads the pylayer configuration from a config file, PYLAYER_ environment
// variables and the variables a Cloud Native Buildpacks platform provides.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/imdario/mergo"
	"github.com/joho/godotenv"
	"github.com/karrick/godirwalk"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/target"
)

// EnvPrefix is the prefix of all pylayer environment variables
const EnvPrefix = "PYLAYER"

// ToolVersions pins the versions of the packaging tools pylayer installs
type ToolVersions struct {
	Python string `mapstructure:"python" json:"python" yaml:"python"`
	Pip    string `mapstructure:"pip" json:"pip" yaml:"pip"`
	Poetry string `mapstructure:"poetry" json:"poetry" yaml:"poetry"`
	Uv     string `mapstructure:"uv" json:"uv" yaml:"uv"`
}

// Config is the complete pylayer configuration
type Config struct {
	AppDir      string        `mapstructure:"app_dir" json:"appDir" yaml:"appDir"`
	LayersDir   string        `mapstructure:"layers_dir" json:"layersDir" yaml:"layersDir"`
	PlatformDir string        `mapstructure:"platform_dir" json:"platformDir" yaml:"platformDir"`
	Target      target.Target `mapstructure:"target" json:"target" yaml:"target"`

	// ArchiveURL is the base URL runtime archives are downloaded from (https:// or s3://)
	ArchiveURL string `mapstructure:"archive_url" json:"archiveUrl" yaml:"archiveUrl"`
	S3Region   string `mapstructure:"s3_region" json:"s3Region,omitempty" yaml:"s3Region,omitempty"`
	// Inventory replaces the compiled-in runtime inventory
	Inventory string `mapstructure:"inventory" json:"inventory,omitempty" yaml:"inventory,omitempty"`

	// Forward lists the variables of the pylayer process environment passed on to build tools
	Forward []string `mapstructure:"forward" json:"forward" yaml:"forward"`
	// Deny lists variables which fail the build when forwarded
	Deny    []string `mapstructure:"deny" json:"deny" yaml:"deny"`
	EnvFile string   `mapstructure:"env_file" json:"envFile,omitempty" yaml:"envFile,omitempty"`

	Tools            ToolVersions `mapstructure:"tools" json:"tools" yaml:"tools"`
	LegacyRuntimeTxt bool         `mapstructure:"legacy_runtime_txt" json:"legacyRuntimeTxt" yaml:"legacyRuntimeTxt"`

	TracingEndpoint string `mapstructure:"tracing_endpoint" json:"tracingEndpoint,omitempty" yaml:"tracingEndpoint,omitempty"`
}

// Defaults returns the configuration used for everything not configured explicitly
func Defaults() Config {
	return Config{
		AppDir:      ".",
		LayersDir:   "layers",
		PlatformDir: "/platform",
		Target:      target.Target{Arch: target.Host()},
		Forward:     []string{"PATH", "HOME", "LANG", "TERM", "TZ"},
		Deny: []string{
			"PYTHONHOME",
			"PYTHONPATH",
			"PIP_TARGET",
			"PIP_PREFIX",
			"PIP_USER",
			"VIRTUAL_ENV",
			"UV_PROJECT_ENVIRONMENT",
			"POETRY_VIRTUALENVS_PATH",
		},
		Tools: ToolVersions{
			Python: "3.13",
			Pip:    "25.0.1",
			Poetry: "2.1.1",
			Uv:     "0.6.3",
		},
	}
}

// bindings maps config keys to the environment variables that set them, highest priority first
var bindings = map[string][]string{
	"app_dir":               {"PYLAYER_APP_DIR", "CNB_APP_DIR"},
	"layers_dir":            {"PYLAYER_LAYERS_DIR", "CNB_LAYERS_DIR"},
	"platform_dir":          {"PYLAYER_PLATFORM_DIR", "CNB_PLATFORM_DIR"},
	"target.arch":           {"PYLAYER_TARGET_ARCH", "CNB_TARGET_ARCH"},
	"target.distro_name":    {"PYLAYER_TARGET_DISTRO_NAME", "CNB_TARGET_DISTRO_NAME"},
	"target.distro_version": {"PYLAYER_TARGET_DISTRO_VERSION", "CNB_TARGET_DISTRO_VERSION"},
	"target.stack_id":       {"PYLAYER_STACK_ID", "CNB_STACK_ID"},
	"archive_url":           {"PYLAYER_ARCHIVE_URL"},
	"s3_region":             {"PYLAYER_S3_REGION", "AWS_REGION"},
	"inventory":             {"PYLAYER_INVENTORY"},
	"forward":               {"PYLAYER_FORWARD"},
	"deny":                  {"PYLAYER_DENY"},
	"env_file":              {"PYLAYER_ENV_FILE"},
	"tools.python":          {"PYLAYER_PYTHON_VERSION"},
	"tools.pip":             {"PYLAYER_PIP_VERSION"},
	"tools.poetry":          {"PYLAYER_POETRY_VERSION"},
	"tools.uv":              {"PYLAYER_UV_VERSION"},
	"legacy_runtime_txt":    {"PYLAYER_LEGACY_RUNTIME_TXT"},
	"tracing_endpoint":      {"PYLAYER_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
}

// Load reads the configuration. cfgFile is optional; if set, the file must exist.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, vars := range bindings {
		err := v.BindEnv(append([]string{key}, vars...)...)
		if err != nil {
			return nil, xerrors.Errorf("cannot bind %s: %w", key, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("toml")
		err := v.ReadInConfig()
		if err != nil {
			return nil, xerrors.Errorf("cannot read config file %s: %w", cfgFile, err)
		}
		log.WithField("file", cfgFile).Debug("loaded config file")
	}

	var cfg Config
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, xerrors.Errorf("cannot parse config: %w", err)
	}

	err = mergo.Merge(&cfg, Defaults())
	if err != nil {
		return nil, xerrors.Errorf("cannot apply config defaults: %w", err)
	}
	return &cfg, nil
}

// ForwardedEnvironment produces the base environment build tools start from: the
// allow-listed variables of environ, the platform env dir and the env file, in that order.
func (c *Config) ForwardedEnvironment(environ []string) (env.Environment, error) {
	host := env.FromEnviron(environ)

	res := make(env.Environment)
	for _, k := range c.Forward {
		if v, ok := host[k]; ok {
			res[k] = v
		}
	}

	platform, err := ReadPlatformEnv(c.PlatformDir)
	if err != nil {
		return nil, err
	}
	for k, v := range platform {
		res[k] = v
	}

	if c.EnvFile != "" {
		vars, err := godotenv.Read(c.EnvFile)
		if err != nil {
			return nil, xerrors.Errorf("cannot read env file %s: %w", c.EnvFile, err)
		}
		for k, v := range vars {
			res[k] = v
		}
	}
	return res, nil
}

// ReadPlatformEnv reads <platform>/env, where each file name is a variable name and the
// file contents its value. A missing directory yields no variables.
func ReadPlatformEnv(platformDir string) (env.Environment, error) {
	res := make(env.Environment)
	if platformDir == "" {
		return res, nil
	}

	dir := filepath.Join(platformDir, "env")
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	dirents, err := godirwalk.ReadDirents(dir, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot read platform env: %w", err)
	}
	sort.Sort(dirents)

	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		fc, err := os.ReadFile(filepath.Join(dir, d.Name()))
		if err != nil {
			return nil, xerrors.Errorf("cannot read platform env: %w", err)
		}
		res[d.Name()] = string(fc)
	}
	return res, nil
}
