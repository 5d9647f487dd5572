package main

import (
	"fmt"
	"time"

	"github.com/matheus3301/imcore/internal/api"
	"github.com/matheus3301/imcore/internal/lock"
	"github.com/matheus3301/imcore/internal/profile"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and link status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions, sticky sessions first",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total unread count",
	Args:  cobra.NoArgs,
	RunE:  runUnread,
}

var readCmd = &cobra.Command{
	Use:   "read <type:id>...",
	Short: "Clear unread for one or more sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRead,
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List local profiles and whether their daemon is running",
	Args:  cobra.NoArgs,
	RunE:  runProfiles,
}

func init() {
	rootCmd.AddCommand(statusCmd, sessionsCmd, unreadCmd, readCmd, profilesCmd)
	sessionsCmd.Flags().Int("limit", 50, "maximum sessions to show")
	unreadCmd.Flags().String("filter", "all", "all, notifyOnly or muted")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, api.SessionServiceName, "GetStatus", nil)
	if err != nil {
		return err
	}
	if jsonOut(cmd) {
		outputJSON(resp)
		return nil
	}
	uptime, _ := resp["uptimeMs"].(float64)
	fmt.Printf("Profile:  %v\n", resp["profile"])
	fmt.Printf("Account:  %v\n", resp["account"])
	fmt.Printf("Link:     %v\n", resp["status"])
	fmt.Printf("Uptime:   %s\n", (time.Duration(uptime) * time.Millisecond).Round(time.Second))
	fmt.Printf("Sessions: %v\n", resp["sessionCount"])
	fmt.Printf("Messages: %v\n", resp["messageCount"])
	return nil
}

func runSessions(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, api.SessionServiceName, "List", map[string]any{"limit": limit, "withSticky": true})
	if err != nil {
		return err
	}
	if jsonOut(cmd) {
		outputJSON(resp)
		return nil
	}
	entries, _ := resp["entries"].([]any)
	if len(entries) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, raw := range entries {
		e, _ := raw.(map[string]any)
		s, _ := e["session"].(map[string]any)
		mark := " "
		if e["sticky"] != nil {
			mark = "*"
		}
		fmt.Printf("%s %-28s unread=%-4v %v\n", mark, formatSession(s["session"]), s["unread"], s["lastContent"])
	}
	return nil
}

func runUnread(cmd *cobra.Command, _ []string) error {
	filter, _ := cmd.Flags().GetString("filter")

	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, api.SessionServiceName, "TotalUnread", map[string]any{"filter": filter})
	if err != nil {
		return err
	}
	if jsonOut(cmd) {
		outputJSON(resp)
		return nil
	}
	fmt.Println(resp["unread"])
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	keys := make([]any, 0, len(args))
	for _, a := range args {
		key, err := parseSession(a)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, api.SessionServiceName, "ClearUnread", map[string]any{"sessions": keys})
	if err != nil {
		return err
	}
	if jsonOut(cmd) {
		outputJSON(resp)
		return nil
	}
	failed, _ := resp["failed"].([]any)
	for _, f := range failed {
		fmt.Printf("failed: %s\n", formatSession(f))
	}
	fmt.Printf("cleared %d of %d\n", len(keys)-len(failed), len(keys))
	return nil
}

func runProfiles(cmd *cobra.Command, _ []string) error {
	names, err := profile.List()
	if err != nil {
		return err
	}
	type row struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Running bool   `json:"running"`
		PID     int    `json:"pid,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, n := range names {
		pid, held := lock.Inspect(profile.Dir(n))
		rows = append(rows, row{Name: n, Path: profile.Dir(n), Running: held, PID: pid})
	}
	if jsonOut(cmd) {
		outputJSON(rows)
		return nil
	}
	if len(rows) == 0 {
		fmt.Println("No profiles found.")
		return nil
	}
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = fmt.Sprintf("running, pid %d", r.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", r.Name, r.Path, state)
	}
	return nil
}
