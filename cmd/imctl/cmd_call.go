package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <Service> <Method> [json-args]",
	Short: "Invoke any daemon method with JSON arguments",
	Long: `Invoke a method of MessageService, SessionService, PinService or
ReceiptService directly. The service prefix imcore.v1. is optional.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	service := args[0]
	if !strings.Contains(service, ".") {
		service = "imcore.v1." + service
	}
	params := map[string]any{}
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	c, ctx, done, err := session(cmd)
	if err != nil {
		return err
	}
	defer done()

	resp, err := c.Call(ctx, service, args[1], params)
	if err != nil {
		return err
	}
	outputJSON(resp)
	return nil
}
