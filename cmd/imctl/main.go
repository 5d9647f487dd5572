package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/imcore/internal/client"
	"github.com/matheus3301/imcore/internal/profile"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "imctl",
	Short: "Control a running imcored daemon",
	Long: `imctl talks to the imcored daemon of one profile over its Unix socket.

Examples:
  imctl status
  imctl send p2p:alice "hello"
  imctl history p2p:alice --limit 20
  imctl call SessionService TotalUnread '{"filter":"notifyOnly"}'
  imctl watch message.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "per-command timeout")
}

// session opens a client for the selected profile and a context bounded by --timeout.
func session(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	flagProfile, _ := cmd.Flags().GetString("profile")
	name := profile.Resolve(flagProfile)
	if err := profile.ValidateName(name); err != nil {
		return nil, nil, nil, err
	}
	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return c, ctx, func() { cancel(); _ = c.Close() }, nil
}

func jsonOut(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
