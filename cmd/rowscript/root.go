package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/logging"
)

// app is the state shared by every subcommand, built before each run.
type app struct {
	cfg     Config
	logger  *slog.Logger
	logFile io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "rowscript",
		Short: "Compile and evaluate row expressions over tables",
		Long: `rowscript evaluates per-row expressions over tabular data.

Node kinds:
  java_snippet                      script per row, appends or replaces a column
  string_manipulation               manipulator expression per row
  multi_column_string_manipulation  one expression applied to many columns
  rule_engine                       first matching rule wins
  string_manipulation_variable      expression over flow variables
  rule_engine_variable              rules over flow variables`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.String("temp-dir", "", "directory for compiled artifacts (default: $TMPDIR/rowscript)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-file", "", "also write JSON logs to this file")

	root.AddCommand(
		newRunCmd(a),
		newValidateCmd(a),
		newManipulatorsCmd(),
		newMCPCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	a.cfg = loadConfig()
	a.cfg.applyFlags(cmd.Flags())

	logger, closer, err := newLogger(a.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.logger, a.logFile = logger, closer
	artifact.SetDefault(a.newCache())
	return nil
}

func (a *app) newCache(opts ...artifact.Option) *artifact.Cache {
	return artifact.NewCache(a.cfg.TempDir, append([]artifact.Option{artifact.WithLogger(a.logger)}, opts...)...)
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// newLogger writes text logs to stderr and, with a log file configured,
// JSON logs to that file. Records carry the correlation attributes of their
// context.
func newLogger(cfg Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewTextHandler(stderr, opts)}

	var closer io.Closer
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closer = f
	}
	return slog.New(logging.NewCorrelationHandler(slogmulti.Fanout(handlers...))), closer, nil
}
