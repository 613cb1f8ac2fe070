package cli

import (
	"encoding/json"
	"fmt"
)

// OutputFormat represents the output format type.
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
)

// OutputFlags provides output formatting flags.
type OutputFlags struct {
	Output string `short:"o" help:"Output format: table or json." enum:"table,json" default:"table"`
}

// Format returns the selected format.
func (f *OutputFlags) Format() OutputFormat {
	if OutputFormat(f.Output) == OutputFormatJSON {
		return OutputFormatJSON
	}
	return OutputFormatTable
}

func formatJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}
