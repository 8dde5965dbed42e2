package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/pylayer/pkg/pylayer/config"
	"github.com/gitpod-io/pylayer/pkg/pylayer/telemetry"
)

const (
	// exitNotApplicable is the exit code the buildpack detect phase uses for "does not apply"
	exitNotApplicable = 100
)

var (
	// version is set during the build using ldflags
	version string = "unknown"

	cfgFile   string
	envFile   string
	appDir    string
	layersDir string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pylayer",
	Short: "Installs Python apps into cacheable layers",
	Long: color.Render(`<light_yellow>pylayer installs a Python runtime, a package manager and the dependencies of an app</>
into layers that survive between builds. Each layer is only rebuilt when what it was built from changes.

<white>Configuration</>
pylayer reads an optional TOML config file (--config) and the following environment variables:
           <light_blue>CNB_APP_DIR</>  App directory, also settable using --app-dir
        <light_blue>CNB_LAYERS_DIR</>  Layers directory, also settable using --layers-dir
      <light_blue>CNB_PLATFORM_DIR</>  Platform directory. Variables in <platform>/env are passed to build tools.
  <light_blue>CNB_TARGET_*</>          Target architecture and distribution the runtime is selected for
  <light_blue>PYLAYER_ARCHIVE_URL</>   Base URL runtime archives are downloaded from (https:// or s3://)
  <light_blue>PYLAYER_FORWARD</>       Variables of this process passed on to build tools
  <light_blue>PYLAYER_DENY</>          Variables that fail the build when set
  <light_blue>PYLAYER_TRACING_ENDPOINT</>  OTLP endpoint spans are exported to. TRACEPARENT continues an existing trace.
`),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file whose variables are passed to build tools")
	rootCmd.PersistentFlags().StringVarP(&appDir, "app-dir", "a", "", "app directory (defaults to $CNB_APP_DIR or .)")
	rootCmd.PersistentFlags().StringVarP(&layersDir, "layers-dir", "l", "", "layers directory (defaults to $CNB_LAYERS_DIR or ./layers)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enables verbose logging")
}

// getConfig loads the configuration and applies the persistent flags on top
func getConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if appDir != "" {
		cfg.AppDir = appDir
	}
	if layersDir != "" {
		cfg.LayersDir = layersDir
	}
	if envFile != "" {
		cfg.EnvFile = envFile
	}
	log.WithField("appDir", cfg.AppDir).WithField("layersDir", cfg.LayersDir).Debug("loaded config")
	return cfg, nil
}

// setupTracing initializes the OTLP exporter if an endpoint is configured and returns the
// context spans should be parented to. The returned function flushes pending spans.
func setupTracing(ctx context.Context, cfg *config.Config) (context.Context, func()) {
	err := telemetry.Initialize(ctx, cfg.TracingEndpoint, version)
	if err != nil {
		log.WithError(err).Warn("cannot initialize tracing, continuing without")
		return ctx, func() {}
	}

	parent, err := telemetry.ContextFromEnv(ctx, os.Getenv)
	if err != nil {
		log.WithError(err).Warn("ignoring invalid trace context")
		parent = ctx
	}
	return parent, func() {
		err := telemetry.Shutdown(context.Background())
		if err != nil {
			log.WithError(err).Debug("cannot flush spans")
		}
	}
}
