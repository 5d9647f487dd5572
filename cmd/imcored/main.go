package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/imcore/internal/config"
	"github.com/matheus3301/imcore/internal/daemon"
	"github.com/matheus3301/imcore/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var rootCmd = &cobra.Command{
	Use:          "imcored",
	Short:        "imcore messaging daemon",
	Long:         `imcored keeps one profile's message store in sync with the messaging backend and serves it over a Unix socket.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("profile", "", "profile name (overrides config default)")
	rootCmd.Flags().String("account", "", "local account id (overrides config and IMCORE_ACCOUNT)")
	rootCmd.Flags().String("transport-url", "", "backend NATS url (overrides config and IMCORE_TRANSPORT_URL)")
	rootCmd.Flags().String("metrics-addr", "", `Prometheus listen address ("off" disables)`)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	flagProfile, _ := cmd.Flags().GetString("profile")
	name := profile.Resolve(flagProfile)
	if err := profile.ValidateName(name); err != nil {
		return err
	}

	cfg, err := config.Resolve(profile.ConfigPath())
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("account"); v != "" {
		cfg.Account.ID = v
	}
	if v, _ := cmd.Flags().GetString("transport-url"); v != "" {
		cfg.Transport.URL = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
	if cfg.Account.ID == "" {
		return fmt.Errorf("no account configured: set [account] id in %s, IMCORE_ACCOUNT or --account", profile.ConfigPath())
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, Config: *cfg}),
	)
	app.Run()
	return nil
}
