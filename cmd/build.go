package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/pylayer/pkg/prettyprint"
	"github.com/gitpod-io/pylayer/pkg/pylayer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/config"
	"github.com/gitpod-io/pylayer/pkg/pylayer/telemetry"
)

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Installs the Python runtime, package manager and dependencies of the app into layers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load config")
		}
		applyBuildFlags(cmd, cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		ctx, flush := setupTracing(ctx, cfg)
		var reporter pylayer.Reporter = pylayer.NewConsoleReporter(os.Stdout)
		if telemetry.Enabled() {
			reporter = pylayer.CompositeReporter{reporter, pylayer.NewOTelReporter(telemetry.Tracer(), ctx)}
		}

		log.Debugf("this is pylayer version %s", version)
		res, err := pylayer.Build(ctx, cfg, pylayer.WithReporter(reporter))
		flush()
		if err != nil {
			var berr *pylayer.BuildError
			if verbose && errors.As(err, &berr) {
				fmt.Fprintln(os.Stderr, berr.Format(true))
			}
			os.Exit(1)
		}

		resultFile, _ := cmd.Flags().GetString("result-file")
		if resultFile == "" {
			return
		}
		err = writeResult(resultFile, res)
		if err != nil {
			log.WithError(err).Fatal("cannot write build result")
		}
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().String("archive-url", "", "base URL runtime archives are downloaded from (overrides PYLAYER_ARCHIVE_URL)")
	cmd.Flags().String("inventory", "", "runtime inventory file replacing the built-in one")
	cmd.Flags().String("python-version", "", "Python version used when the app does not pin one")
	cmd.Flags().Bool("legacy-runtime-txt", false, "accept runtime.txt as a version source")
	cmd.Flags().String("result-file", "", "write the build result as JSON to this file")
}

// applyBuildFlags applies the flags the user set explicitly, leaving the rest of the configuration alone
func applyBuildFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("archive-url") {
		cfg.ArchiveURL, _ = flags.GetString("archive-url")
	}
	if flags.Changed("inventory") {
		cfg.Inventory, _ = flags.GetString("inventory")
	}
	if flags.Changed("python-version") {
		cfg.Tools.Python, _ = flags.GetString("python-version")
	}
	if flags.Changed("legacy-runtime-txt") {
		cfg.LegacyRuntimeTxt, _ = flags.GetBool("legacy-runtime-txt")
	}
}

func writeResult(fn string, res *pylayer.Result) error {
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	return prettyprint.Write(f, res, prettyprint.JSONFormat, "")
}
