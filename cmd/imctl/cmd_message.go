package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/imcore/internal/api"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <type:id> <text>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

var historyCmd = &cobra.Command{
	Use:   "history <type:id>",
	Short: "Show stored messages of a session, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var searchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Search stored text messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var resendCmd = &cobra.Command{
	Use:   "resend <uuid>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE:  runUUIDCommand("Resend"),
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <uuid>",
	Short: "Revoke a delivered message",
	Args:  cobra.ExactArgs(1),
	RunE:  runUUIDCommand("Revoke"),
}

func init() {
	rootCmd.AddCommand(sendCmd, historyCmd, searchCmd, resendCmd, revokeCmd)

	sendCmd.Flags().String("reply-to", "", "uuid of the message being replied to")
	historyCmd.Flags().Int("limit", 20, "maximum messages to show")
	searchCmd.Flags().String("session", "", "restrict to one session (type:id)")
	searchCmd.Flags().Int("limit", 20, "maximum results")
}

func runSend(cmd *cobra.Command, args []string) error {
	key, err := parseSession(args[0])
	if err != nil {
		return err
	}
	params := map[string]any{"session": key, "content": args[1]}
	if replyTo, _ := cmd.Flags().GetString("reply-to"); replyTo != "" {
		params["replyTo"] = replyTo
	}

	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, api.MessageServiceName, "Send", params)
	if err != nil {
		return err
	}
	if jsonOut(cmd) {
		outputJSON(resp)
		return nil
	}
	m, _ := resp["message"].(map[string]any)
	fmt.Printf("%v %v\n", m["uuid"], m["status"])
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	key, err := parseSession(args[0])
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, api.MessageServiceName, "Query", map[string]any{"session": key, "limit": limit})
	if err != nil {
		return err
	}
	if jsonOut(cmd) {
		outputJSON(resp)
		return nil
	}
	msgs, _ := resp["messages"].([]any)
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, raw := range msgs {
		printMessage(raw)
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	params := map[string]any{"keyword": args[0]}
	if s, _ := cmd.Flags().GetString("session"); s != "" {
		key, err := parseSession(s)
		if err != nil {
			return err
		}
		params["session"] = key
	}
	limit, _ := cmd.Flags().GetInt("limit")
	params["limit"] = limit

	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, api.MessageServiceName, "Search", params)
	if err != nil {
		return err
	}
	if jsonOut(cmd) {
		outputJSON(resp)
		return nil
	}
	results, _ := resp["results"].([]any)
	for _, raw := range results {
		r, _ := raw.(map[string]any)
		printMessage(r["message"])
	}
	return nil
}

func runUUIDCommand(method string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, ctx, done, err := session(cmd)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Call(ctx, api.MessageServiceName, method, map[string]any{"uuid": args[0]})
		if err != nil {
			return err
		}
		if jsonOut(cmd) {
			outputJSON(resp)
			return nil
		}
		printMessage(resp["message"])
		return nil
	}
}

func printMessage(raw any) {
	m, _ := raw.(map[string]any)
	ts, _ := m["time"].(float64)
	when := time.UnixMilli(int64(ts)).Format("2006-01-02 15:04")
	content := strings.ReplaceAll(fmt.Sprint(m["content"]), "\n", " ")
	if m["revoked"] == true {
		content = "(revoked)"
	}
	fmt.Printf("%s  %-8v %-12v %v  %s\n", when, m["status"], m["fromAccount"], m["uuid"], content)
}
