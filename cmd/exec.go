package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/runner"
)

// execCmd represents the exec command
var execCmd = &cobra.Command{
	Use:   "exec -- <cmd>",
	Short: "Executes a command in the app directory with the environment the layers produce",
	Long: `Executes a command in the app directory with the environment the layers produce.
The command sees nothing of the pylayer environment except the forwarded variables.

Example use:
  # check which interpreter the launched app will use
  pylayer exec --scope launch -- python -c 'import sys; print(sys.executable)'

  # open an interactive shell in the build environment
  pylayer exec --tty -- bash
`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load config")
		}
		scope, err := getScopeFromFlags(cmd)
		if err != nil {
			log.Fatal(err)
		}
		tty, _ := cmd.Flags().GetBool("tty")

		e, err := layerEnvironment(cfg, scope, os.Environ())
		if err != nil {
			log.Fatal(err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		code, err := executeCommand(ctx, args, cfg.AppDir, e, tty)
		if err != nil {
			log.WithError(err).Fatal("cannot execute command")
		}
		cancel()
		os.Exit(code)
	},
}

// executeCommand runs the command with exactly the environment e and returns its exit code
func executeCommand(ctx context.Context, args []string, dir string, e env.Environment, tty bool) (int, error) {
	path, err := runner.LookPath(args[0], e)
	if err != nil {
		return 0, err
	}
	log.WithField("dir", dir).Debugf("running %q", args)

	cmd := exec.CommandContext(ctx, path, args[1:]...)
	cmd.Dir = dir
	cmd.Env = e.Environ()

	if tty {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return 0, err
		}
		defer ptmx.Close()
		_ = pty.InheritSize(os.Stdin, ptmx)

		//nolint:errcheck
		go io.Copy(ptmx, os.Stdin)
		//nolint:errcheck
		go io.Copy(os.Stdout, ptmx)
		err = cmd.Wait()
		return exitCode(err)
	}

	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return exitCode(cmd.Run())
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

func init() {
	rootCmd.AddCommand(execCmd)
	addScopeFlag(execCmd)
	execCmd.Flags().BoolP("tty", "t", false, "run the command in a pseudo terminal")
}
