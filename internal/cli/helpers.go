package cli

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/cli/appctx"
	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/render"
	"github.com/spf13/cobra"
)

// newRenderer resolves the output format (--output flag over config) and
// builds a renderer on the command's stdout.
func newRenderer(app *appctx.App, cmd *cobra.Command) (*render.Renderer, error) {
	formatStr := app.Config.Output
	if flag := cmd.Flag("output"); flag != nil && flag.Value.String() != "" {
		formatStr = flag.Value.String()
	}
	format, err := render.ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}
	return render.NewRenderer(cmd.OutOrStdout(), format), nil
}

// commandLogger returns a plain stderr logger for commands that have no
// per-run log file.
func commandLogger(cmd *cobra.Command) *log.Logger {
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags|log.LUTC)
}

// openRunLog creates a per-run log file under the configured log directory
// and returns a logger that writes to both stderr and the file. The caller
// must close the returned file.
func openRunLog(logDir string, start time.Time) (*log.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(logDir, fmt.Sprintf("contact_merge_%s.log", start.UTC().Format("20060102_150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := log.New(io.MultiWriter(os.Stderr, f), "", log.LstdFlags|log.LUTC)
	return logger, f, nil
}
