package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/workload-advisor/controller/app"
	"github.com/workload-advisor/controller/config"
)

const Version = "1.0.0"

type options struct {
	cfgFile  string
	logLevel string
	jsonLogs bool
}

// NewRootCommand builds the workload-advisor command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "workload-advisor",
		Short: "Adaptive workload optimization controller for PostgreSQL",
		Long: `workload-advisor collects query statistics from a PostgreSQL database, learns
the shape of its workload and proposes index, partition and cache changes.
Changes are applied only after an explicit approval.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (defaults are used when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&opts.jsonLogs, "json-logs", false, "emit logs as JSON")

	root.AddCommand(
		newServeCommand(opts),
		newCollectCommand(opts),
		newAnalyzeCommand(opts),
		newTrainCommand(opts),
		newRecommendCommand(opts),
		newApproveCommand(opts),
		newRejectCommand(opts),
		newApplyCommand(opts),
		newBenchmarkCommand(opts),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *options) load() (*config.Config, *logrus.Logger, error) {
	bootstrap := logrus.New()
	bootstrap.SetLevel(logrus.WarnLevel)

	cfg, err := config.Load(o.cfgFile, bootstrap)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.jsonLogs {
		cfg.Logging.Format = "json"
	}
	return cfg, config.NewLogger(cfg.Logging), nil
}

// withApp loads the configuration, builds the application and hands it to fn
func (o *options) withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, log, err := o.load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
