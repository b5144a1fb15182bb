package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	"github.com/kilupskalvis/revindex/internal/models"
)

var (
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta)
)

// render writes v as YAML when --output yaml is set and runs text otherwise.
func render(w io.Writer, v any, text func()) error {
	switch outputFormat {
	case "", "text":
		text()
		return nil
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("render yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	}
	return fmt.Errorf("unknown output format %q", outputFormat)
}

// stateColor picks the colour a branch state is printed in.
func stateColor(state models.BranchState) *color.Color {
	switch state {
	case models.BranchUpToDate:
		return green
	case models.BranchForward:
		return cyan
	case models.BranchBehind:
		return yellow
	default:
		return red
	}
}
