// Package cmd defines the storeharvest command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/app"
	"github.com/JakeFAU/storeharvest/internal/config"
	"github.com/JakeFAU/storeharvest/internal/harvest"
	pkgconfig "github.com/JakeFAU/storeharvest/pkg/config"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitNoWorkers = 3
)

// Runner is the part of app.App the commands use.
type Runner interface {
	Run(ctx context.Context) (app.Report, error)
	Close()
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, logger)
}

// configError marks failures that happen before any browsing starts.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "storeharvest",
		Short: "Collects the public store directory of a retail chain, province by province.",
		Long: `storeharvest walks every configured province through its store list and
store detail pages with a real browser, rotating egress identities, retrying
with backoff and solving challenges when a provider key is set. Results are
written as CSV and JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := pkgconfig.InitConfig(v, cfgFile, nil); err != nil {
				return configError{err}
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./storeharvest.yaml)")
	cmd.AddCommand(newHarvestCmd(v))
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stderr)
}

func execute(ctx context.Context, args []string, stderr io.Writer) int {
	root := newRootCmd(viper.New())
	root.SetArgs(args)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "storeharvest: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	var cfgErr configError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.Is(err, harvest.ErrNoProvinces), errors.Is(err, harvest.ErrPoolExhausted):
		return ExitNoWorkers
	default:
		return ExitFailure
	}
}
