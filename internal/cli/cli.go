package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/specialistvlad/bdsgo/internal/app"
	"github.com/specialistvlad/bdsgo/internal/backend/cluster"
	"github.com/specialistvlad/bdsgo/internal/checkpoint"
)

// Version is stamped at build time.
var Version = "dev"

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

type flags struct {
	config    string
	logLevel  string
	logFormat string
}

// NewRootCommand returns the bds command. Command output goes to outW, logs
// and diagnostics to errW.
func NewRootCommand(outW, errW io.Writer) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "bds",
		Short:         "Inspect and diagnose bds pipeline runs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(errW)
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "bds.hcl", "Path to the HCL configuration file.")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Logging level: 'debug', 'info', 'warn' or 'error'.")
	root.PersistentFlags().StringVar(&f.logFormat, "log-format", "", "Log output format: 'text' or 'json'.")

	root.AddCommand(infoCommand(f), checkPidRegexCommand(f), versionCommand())
	return root
}

// newApp validates the global flags and loads the configuration.
func (f *flags) newApp(cmd *cobra.Command) (*app.App, error) {
	appCfg, err := app.NewConfig(app.AppConfig{
		ConfigPath: f.config,
		LogLevel:   strings.ToLower(f.logLevel),
		LogFormat:  strings.ToLower(f.logFormat),
	})
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	a, err := app.New(cmd.OutOrStdout(), cmd.ErrOrStderr(), appCfg)
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return a, nil
}

func infoCommand(f *flags) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "info <file.chp>",
		Short: "Show the threads, tasks and variables saved in a checkpoint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := f.newApp(cmd)
			if err != nil {
				return err
			}
			sum, err := a.Info(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asYAML {
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(sum)
			}
			printSummary(out, sum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Dump the checkpoint as YAML.")
	return cmd
}

func printSummary(w io.Writer, s *checkpoint.Summary) {
	fmt.Fprintf(w, "Run %s (checkpoint version %d, saved %s)\n", s.RunID, s.Version, s.SavedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Threads: %d\n", len(s.Threads))
	for _, t := range s.Threads {
		fmt.Fprintf(w, "  %-12s %-20s depth=%d", t.ID, t.State, t.Depth)
		if t.Position != "" {
			fmt.Fprintf(w, " at=%s", t.Position)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Tasks: %d\n", len(s.Tasks))
	for _, t := range s.Tasks {
		fmt.Fprintf(w, "  %-30s %-10s exit=%d retries=%d\n", t.ID, t.State, t.ExitCode, t.Retries)
	}
	if len(s.Vars) > 0 {
		fmt.Fprintln(w, "Variables:")
		for _, v := range s.Vars {
			fmt.Fprintf(w, "  %s/%s = %s\n", v.Scope, v.Name, v.Value)
		}
	}
}

func checkPidRegexCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpidregex",
		Short: "Apply the cluster pid_regex to each line of stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := f.newApp(cmd)
			if err != nil {
				return err
			}
			ex, err := cluster.New(a.Config().Cluster, nil)
			if err != nil {
				return &ExitError{Code: 2, Message: err.Error()}
			}
			slog.Debug("Checking pid regex.", "regex", a.Config().Cluster.PidRegex)
			out := cmd.OutOrStdout()
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				line := sc.Text()
				fmt.Fprintf(out, "Input line: '%s'\tMatched: '%s'\n", line, ex.ParsePidLine(line))
			}
			return sc.Err()
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bds %s\n", Version)
		},
	}
}
