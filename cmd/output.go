package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/mailpulse/config"
)

// stdout is swapped in tests.
var stdout io.Writer = os.Stdout

// OutputJSON writes v as indented JSON.
func OutputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// OutputYAML writes v as YAML.
func OutputYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(v)
}

// render writes v in format, calling text for the human-readable form.
func render(format config.OutputFormat, v any, text func(w io.Writer) error) error {
	switch format {
	case config.OutputFormatJSON:
		return OutputJSON(stdout, v)
	case config.OutputFormatYAML:
		return OutputYAML(stdout, v)
	case config.OutputFormatText, "":
		return text(stdout)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// truncate shortens s to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
