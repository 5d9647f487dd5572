package main

import (
	"fmt"

	"github.com/matheus3301/imcore/internal/api"
	"github.com/spf13/cobra"
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Pin operations",
}

var pinListCmd = &cobra.Command{
	Use:   "list <type:id>",
	Short: "Sync and list the pins of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runPinList,
}

var pinAddCmd = &cobra.Command{
	Use:   "add <uuid>",
	Short: "Pin a message",
	Args:  cobra.ExactArgs(1),
	RunE:  runPinChange("Add"),
}

var pinRemoveCmd = &cobra.Command{
	Use:   "remove <uuid>",
	Short: "Unpin a message",
	Args:  cobra.ExactArgs(1),
	RunE:  runPinChange("Remove"),
}

func init() {
	pinCmd.AddCommand(pinListCmd, pinAddCmd, pinRemoveCmd)
	rootCmd.AddCommand(pinCmd)
	pinAddCmd.Flags().String("ext", "", "extension stored with the pin")
	pinRemoveCmd.Flags().String("ext", "", "extension sent with the removal")
}

func runPinList(cmd *cobra.Command, args []string) error {
	key, err := parseSession(args[0])
	if err != nil {
		return err
	}

	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, api.PinServiceName, "QueryForSession", map[string]any{"session": key})
	if err != nil {
		return err
	}
	if jsonOut(cmd) {
		outputJSON(resp)
		return nil
	}
	pins, _ := resp["pins"].([]any)
	if len(pins) == 0 {
		fmt.Println("No pins.")
		return nil
	}
	for _, raw := range pins {
		p, _ := raw.(map[string]any)
		content := p["content"]
		if p["found"] != true {
			content = "(message not stored locally)"
		}
		fmt.Printf("%v by %-12v %v\n", p["msgUuid"], p["operator"], content)
	}
	return nil
}

func runPinChange(method string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ext, _ := cmd.Flags().GetString("ext")

		c, ctx, done, err := session(cmd)
		if err != nil {
			return err
		}
		defer done()

		resp, err := c.Call(ctx, api.PinServiceName, method, map[string]any{"uuid": args[0], "ext": ext})
		if err != nil {
			return err
		}
		if jsonOut(cmd) {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("ok at %v\n", resp["time"])
		return nil
	}
}
