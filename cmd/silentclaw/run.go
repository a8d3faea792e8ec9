package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <message>",
	Short: "Send one message through the agent loop",
	Long: `run executes a single agent turn: the message goes to the
provider, tool calls are executed under policy, and the final response
prints to stdout. Ctrl-C cancels the turn and discards its partial
work.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(configPath, logger)
		if err != nil {
			return err
		}
		defer a.close()

		loop := a.newLoop()
		res, err := loop.Run(ctx, nil, strings.Join(args, " "), "cli")
		if err != nil {
			return err
		}
		fmt.Println(res.FinalText)
		return nil
	},
}
