// cellrun executes a source file as one notebook cell against a local
// worker pool. It stands in for the notebook server during development:
// streamed output goes to the terminal and the execution record is
// summarized at the end.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/notebrook/cellkernel/internal/config"
	"github.com/notebrook/cellkernel/internal/pool"
	"github.com/notebrook/cellkernel/internal/protocol"
	"github.com/notebrook/cellkernel/internal/session"
)

const cellrunVersion = "0.1.0"

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "cellrun",
		Short: "Run notebook cells on a local sandboxed worker pool",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	root.AddCommand(execCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func execCmd() *cobra.Command {
	var (
		timeout  time.Duration
		poolSize int
		notebook string
		debug    bool
	)

	cmd := &cobra.Command{
		Use:   "exec <file>",
		Short: "Execute a JavaScript or TypeScript file as one cell",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgFile != "" {
				var err error
				cfg, err = config.Load(cfgFile)
				if err != nil {
					return err
				}
			}
			if poolSize > 0 {
				cfg.Pool.Size = poolSize
			}
			if timeout > 0 {
				cfg.Pool.JobTimeout = timeout
			}

			logLevel := slog.LevelWarn
			if debug || cfg.Debug {
				logLevel = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			}))

			file := args[0]
			code, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", file, err)
			}

			p, err := pool.New(cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			sessions := session.NewRegistry(p, logger)
			defer sessions.Close()

			client, err := sessions.Acquire("cli-"+uuid.NewString(), notebook)
			if err != nil {
				return err
			}

			// Ctrl-C cancels the job through the pool's grace-kill flow
			// instead of abandoning the worker mid-run.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := client.Execute(ctx, session.ExecuteOptions{
				CellID:   "cell-1",
				Filename: filepath.Base(file),
				Language: languageForFile(file),
				Code:     string(code),
				OnStdout: func(text string) {
					fmt.Fprint(os.Stdout, text)
				},
				OnStderr: func(text string) {
					fmt.Fprint(os.Stderr, text)
				},
				OnDisplay: func(payload json.RawMessage) {
					fmt.Fprintln(os.Stdout, string(payload))
				},
			})
			if err != nil {
				return err
			}
			return reportResult(res)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-job timeout (overrides config)")
	cmd.Flags().IntVar(&poolSize, "pool-size", 0, "worker pool size (overrides config)")
	cmd.Flags().StringVar(&notebook, "notebook", "scratch", "notebook id the cell runs under")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

// languageForFile maps a file extension to the cell language.
func languageForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts", ".tsx":
		return "typescript"
	default:
		return "javascript"
	}
}

// reportResult prints the execution record and turns a failed cell into a
// non-zero exit.
func reportResult(res *pool.ExecutionResult) error {
	for _, out := range res.Outputs {
		switch {
		case len(out.JSON) > 0:
			fmt.Fprintln(os.Stdout, string(out.JSON))
		case out.Text != "":
			fmt.Fprintln(os.Stdout, out.Text)
		}
	}

	elapsed := time.Duration(res.Execution.Ended-res.Execution.Started) * time.Millisecond
	fmt.Fprintf(os.Stderr, "status=%s elapsed=%s\n", res.Execution.Status, elapsed)

	if res.Execution.Status == protocol.StatusOK {
		return nil
	}
	if e := res.Execution.Error; e != nil {
		return fmt.Errorf("cell %s: %s: %s", res.Execution.Status, e.Name, e.Message)
	}
	return fmt.Errorf("cell %s", res.Execution.Status)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cellrun v%s\n", cellrunVersion)
		},
	}
}
