package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/experimentstash/stash/internal/compose"
	"github.com/experimentstash/stash/internal/core"
	"github.com/experimentstash/stash/internal/invoke"
	"github.com/experimentstash/stash/internal/registry"
	"github.com/experimentstash/stash/internal/telemetry"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// app carries what every subcommand shares.
type app struct {
	stdout io.Writer
	stderr io.Writer
	// opts is handed to core.NewOrchestrator; tests inject fakes here.
	opts core.Options
}

// Create the root command
func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stash",
		Short: "stash: reproducible experiments over versioned research tools",
		Long: "stash registers research tools as git submodules, runs them against composed " +
			"experiment configs and freezes resolved configs with the tool commit for exact reproduction.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error")
	cmd.PersistentFlags().String("root", "", "workspace root (default $"+registry.RootEnv+" or the current directory)")
	cmd.PersistentFlags().Bool("no-history", false, "do not record runs and snapshots in .stash/state.db")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		switch levelStr {
		case "trace":
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "info":
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
		if f := c.Flags().Lookup("debug"); f != nil && f.Value.String() == "true" {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd(a))
	cmd.AddCommand(newRegisterToolCmd(a))
	cmd.AddCommand(newRemoveToolCmd(a))
	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newFreezeCmd(a))
	cmd.AddCommand(newShowCmd(a))
	cmd.AddCommand(newListCmd(a))
	cmd.AddCommand(newSnapshotsCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newValidateCmd(a))
	cmd.AddCommand(newArchiveCmd(a))
	cmd.AddCommand(newCompletionCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stash %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// errProblems marks a validate run that found problems; they are already printed.
var errProblems = errors.New("workspace has problems")

// exitCode maps an error to the process exit status: the child's own code
// for a tool that ran, 2 for anything caught before spawning, 1 otherwise.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *invoke.ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	var (
		unknown    *registry.UnknownToolError
		notFound   *compose.ConfigNotFoundError
		comp       *compose.CompositionError
		unresolved *compose.UnresolvedReferenceError
		spawn      *invoke.SpawnError
	)
	switch {
	case errors.As(err, &unknown), errors.As(err, &notFound), errors.As(err, &comp),
		errors.As(err, &unresolved), errors.As(err, &spawn):
		return 2
	}
	return 1
}

type hinter interface{ Hint() string }

// report prints err and its remediation hint. A child's own non-zero exit
// is not reported again.
func report(w io.Writer, err error) {
	var exit *invoke.ExitError
	if errors.Is(err, errProblems) || errors.As(err, &exit) {
		log.Debug().Err(err).Msg("command failed")
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
	var h hinter
	if errors.As(err, &h) {
		if hint := h.Hint(); hint != "" {
			fmt.Fprintf(w, "hint: %s\n", hint)
		}
	}
}

func execute(ctx context.Context, a *app, args []string) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetContext(ctx)
	err := root.Execute()
	if err != nil {
		report(a.stderr, err)
	}
	return exitCode(err)
}

// Main entry point
func main() {
	setupLogger()
	telemetry.InitGlobal(true)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, &app{stdout: os.Stdout, stderr: os.Stderr}, os.Args[1:])
	cancel()
	telemetry.Shutdown()
	os.Exit(code)
}
