package cmd

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/pylayer/pkg/pylayer"
)

// detectCmd represents the detect command
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Checks if the app directory contains a Python app",
	Long: `Checks if the app directory contains a Python app.
Exits with 0 if it does and with 100 if it does not, as the buildpack detect phase expects.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load config")
		}

		found, err := pylayer.Detect(cfg.AppDir)
		if err != nil {
			log.WithError(err).Fatal("cannot detect app")
		}
		if len(found) == 0 {
			log.WithField("appDir", cfg.AppDir).Info("no Python app found")
			os.Exit(exitNotApplicable)
		}
		log.WithField("files", strings.Join(found, ", ")).Info("found Python app")
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
