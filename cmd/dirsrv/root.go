package main

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/spf13/cobra"

	"github.com/isometry/dirsrv/internal/config"
	dirldap "github.com/isometry/dirsrv/internal/ldap"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "dirsrv <command> [flags]",
		Short: "In-process directory server",
		Long: "dirsrv loads a directory tree from a seed file into an in-memory backend " +
			"and runs internal operations against it without a network listener.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (trace, debug, info, warn, error, off)")

	cmd.AddCommand(
		newSearchCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// loadConfig reads the configuration and applies the --log-level override.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = strings.ToLower(o.logLevel)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLoggingContext installs the root logger on stderr and registers the
// subsystems.
func newLoggingContext(ctx context.Context, cfg *config.Config) context.Context {
	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName("dirsrv"),
		tfsdklog.WithLevel(cfg.HCLogLevel()),
		tfsdklog.WithoutLocation())
	return dirldap.InitializeLogging(ctx)
}
