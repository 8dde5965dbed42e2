package prettyprint

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Format is an output format for pretty printing
type Format string

const (
	// TemplateFormat produces text/template-based output
	TemplateFormat Format = "template"
	// JSONFormat produces JSON output
	JSONFormat Format = "json"
	// YAMLFormat produces YAML output
	YAMLFormat Format = "yaml"
	// EnvFormat produces KEY=VALUE lines sorted by key. Only map[string]string input is supported.
	EnvFormat Format = "env"
)

// Writer preconfigures the write function
type Writer struct {
	Out          io.Writer
	Format       Format
	FormatString string
}

// Write prints the input in the preconfigred way
func (w *Writer) Write(in interface{}) error {
	return Write(w.Out, in, w.Format, w.FormatString)
}

// Write prints an input value using the format to the writer
func Write(out io.Writer, in interface{}, format Format, formatString string) error {
	switch format {
	case TemplateFormat:
		return writeTemplate(out, in, formatString)
	case JSONFormat:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(in)
	case YAMLFormat:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(in)
	case EnvFormat:
		return writeEnv(out, in)
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

func writeTemplate(out io.Writer, in interface{}, tplc string) error {
	tpl := template.New("template")
	tpl, err := tpl.Parse(tplc)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	return tpl.Execute(w, in)
}

func writeEnv(out io.Writer, in interface{}) error {
	var vars map[string]string
	switch v := in.(type) {
	case map[string]string:
		vars = v
	case interface{ Environ() []string }:
		for _, l := range v.Environ() {
			if _, err := fmt.Fprintln(out, l); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("env format does not support %T", in)
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(out, "%s=%s\n", k, vars[k]); err != nil {
			return err
		}
	}
	return nil
}
