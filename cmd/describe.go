package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/disiqueira/gotree"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gitpod-io/pylayer/pkg/prettyprint"
	"github.com/gitpod-io/pylayer/pkg/pylayer"
	"github.com/gitpod-io/pylayer/pkg/pylayer/config"
	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
	"github.com/gitpod-io/pylayer/pkg/pylayer/layer"
)

const treeFormat prettyprint.Format = "tree"

// describeCmd represents the describe command
var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Describes the layers of a previous build",
}

var describeLayersCmd = &cobra.Command{
	Use:   "layers",
	Short: "Lists the layers with their types, metadata and environment",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load config")
		}
		nfos, err := inspectLayers(cfg.LayersDir)
		if err != nil {
			log.Fatal(err)
		}

		w := getWriterFromFlags(cmd)
		if w.Format == treeFormat {
			_, err = fmt.Fprintln(w.Out, layerTree(cfg.LayersDir, nfos).Print())
		} else {
			if w.Format == prettyprint.TemplateFormat && w.FormatString == "" {
				w.FormatString = `{{ range . -}}
{{ .Name }}{{"\t"}}build={{ .Types.Build }}{{"\t"}}launch={{ .Types.Launch }}{{"\t"}}cache={{ .Types.Cache }}
{{ end }}`
			}
			err = w.Write(nfos)
		}
		if err != nil {
			log.Fatal(err)
		}
	},
}

var describeEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "Prints the environment the layers produce",
	Long: `Prints the environment the layers produce.
The layers are applied in alphabetical order onto the environment build tools start from.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := getConfig()
		if err != nil {
			log.WithError(err).Fatal("cannot load config")
		}
		scope, err := getScopeFromFlags(cmd)
		if err != nil {
			log.Fatal(err)
		}

		res, err := layerEnvironment(cfg, scope, os.Environ())
		if err != nil {
			log.Fatal(err)
		}
		err = getWriterFromFlags(cmd).Write(map[string]string(res))
		if err != nil {
			log.Fatal(err)
		}
	},
}

func inspectLayers(layersDir string) ([]*layer.Info, error) {
	store, err := layer.NewStore(layersDir)
	if err != nil {
		return nil, err
	}
	names, err := store.Layers()
	if err != nil {
		return nil, err
	}

	res := make([]*layer.Info, 0, len(names))
	for _, n := range names {
		nfo, err := store.Inspect(n)
		if err != nil {
			return nil, err
		}
		res = append(res, nfo)
	}
	return res, nil
}

func layerTree(root string, nfos []*layer.Info) gotree.Tree {
	tree := gotree.New(root)
	for _, nfo := range nfos {
		var types []string
		if nfo.Types.Build {
			types = append(types, "build")
		}
		if nfo.Types.Launch {
			types = append(types, "launch")
		}
		if nfo.Types.Cache {
			types = append(types, "cache")
		}
		n := tree.Add(fmt.Sprintf("%s [%s]", nfo.Name, strings.Join(types, ",")))

		if len(nfo.Metadata) > 0 {
			md := n.Add("metadata")
			keys := make([]string, 0, len(nfo.Metadata))
			for k := range nfo.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				md.Add(fmt.Sprintf("%s = %v", k, nfo.Metadata[k]))
			}
		}
		if len(nfo.Env) > 0 {
			e := n.Add("env")
			for _, m := range nfo.Env {
				e.Add(m.String())
			}
		}
	}
	return tree
}

func layerEnvironment(cfg *config.Config, scope env.Scope, environ []string) (env.Environment, error) {
	base, err := cfg.ForwardedEnvironment(environ)
	if err != nil {
		return nil, err
	}
	err = pylayer.CheckDenied(base, cfg.Deny)
	if err != nil {
		return nil, err
	}
	store, err := layer.NewStore(cfg.LayersDir)
	if err != nil {
		return nil, err
	}
	return store.Environment(scope, base)
}

func addFormatFlags(cmd *cobra.Command, defaultFormat prettyprint.Format, formats ...prettyprint.Format) {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	cmd.Flags().StringP("format", "o", string(defaultFormat), "output format: "+strings.Join(names, ", "))
	cmd.Flags().String("format-string", "", "format string to use with --format template")
}

func getWriterFromFlags(cmd *cobra.Command) *prettyprint.Writer {
	return getWriter(cmd, os.Stdout)
}

func getWriter(cmd *cobra.Command, out io.Writer) *prettyprint.Writer {
	format, _ := cmd.Flags().GetString("format")
	formatString, _ := cmd.Flags().GetString("format-string")
	return &prettyprint.Writer{
		Out:          out,
		Format:       prettyprint.Format(format),
		FormatString: formatString,
	}
}

func addScopeFlag(cmd *cobra.Command) {
	cmd.Flags().String("scope", string(env.ScopeBuild), "environment view: build or launch")
}

func getScopeFromFlags(cmd *cobra.Command) (env.Scope, error) {
	scope, _ := cmd.Flags().GetString("scope")
	switch env.Scope(scope) {
	case env.ScopeBuild, env.ScopeLaunch:
		return env.Scope(scope), nil
	default:
		return "", fmt.Errorf("invalid scope %q: must be build or launch", scope)
	}
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.AddCommand(describeLayersCmd)
	describeCmd.AddCommand(describeEnvCmd)

	addFormatFlags(describeLayersCmd, prettyprint.TemplateFormat, prettyprint.TemplateFormat, prettyprint.JSONFormat, prettyprint.YAMLFormat, treeFormat)
	addFormatFlags(describeEnvCmd, prettyprint.EnvFormat, prettyprint.EnvFormat, prettyprint.JSONFormat, prettyprint.YAMLFormat)
	addScopeFlag(describeEnvCmd)
}
