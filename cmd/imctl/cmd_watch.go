package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/imcore/internal/client"
	"github.com/matheus3301/imcore/internal/profile"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream daemon events until interrupted",
	Long:  `Stream events whose kind starts with namespace (for example "message." or "pin."). No namespace streams everything.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	namespace := ""
	if len(args) == 1 {
		namespace = args[0]
	}
	flagProfile, _ := cmd.Flags().GetString("profile")
	name := profile.Resolve(flagProfile)
	if err := profile.ValidateName(name); err != nil {
		return err
	}
	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asJSON := jsonOut(cmd)
	return c.Watch(ctx, namespace, func(env map[string]any) error {
		if asJSON {
			outputJSON(env)
			return nil
		}
		ts, _ := env["occurredAtUnixMs"].(float64)
		fmt.Printf("%s %-24v %v\n", time.UnixMilli(int64(ts)).Format(time.TimeOnly), env["kind"], env["payload"])
		return nil
	})
}
