// domainjoin joins a Windows guest to an Active Directory domain and
// removes it again on teardown.
//
// Usage:
//
//	domainjoin --config domainjoin.yaml configure
//	domainjoin --config domainjoin.yaml provision
//	domainjoin --config domainjoin.yaml destroy
//	domainjoin --config domainjoin.yaml apply
//	domainjoin --config domainjoin.yaml status
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/osiriscare/domainjoin/internal/domainjoin"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions

	root := &cobra.Command{
		Use:           "domainjoin",
		Short:         "Join a Windows guest to an Active Directory domain",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "domainjoin.yaml", "Config file path")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Log file and line of each log message")

	root.AddCommand(newConfigureCmd(&opts))
	root.AddCommand(newProvisionCmd(&opts))
	root.AddCommand(newDestroyCmd(&opts))
	root.AddCommand(newApplyCmd(&opts))
	root.AddCommand(newStatusCmd(&opts))
	return root
}

type globalOptions struct {
	configPath string
	debug      bool
}

func newConfigureCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Check the guest is Windows and has the domain cmdlets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				if err := s.prov.Configure(ctx); err != nil {
					return err
				}
				s.ui.Say("Guest is ready for domain join")
				return nil
			})
		},
	}
}

func newProvisionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Join the guest to the configured domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				if err := s.prov.Configure(ctx); err != nil {
					return err
				}
				return s.prov.Provision(ctx)
			})
		},
	}
}

func newDestroyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Remove the guest from the domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				if err := s.prov.Cleanup(ctx); err != nil {
					return err
				}
				if s.prov.Reached(domainjoin.LeaveFailed) {
					return errors.New("guest did not leave the domain")
				}
				return nil
			})
		},
	}
}

func newApplyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Run the configured DSC configuration on the guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				return s.prov.ApplyConfiguration(ctx)
			})
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the guest's current domain membership",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), opts, func(ctx context.Context, s *session) error {
				info, err := s.prov.Membership(ctx)
				if err != nil {
					return err
				}
				for _, line := range statusLines(s.cfg, info, s.lastEntry()) {
					s.ui.Say(line)
				}
				return nil
			})
		},
	}
}

// withSession loads config, connects to the guest and runs fn with a
// context cancelled on SIGINT or SIGTERM.
func withSession(parent context.Context, opts *globalOptions, fn func(context.Context, *session) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Shutdown signal: %v", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
