package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rompd/rompd/stomp"
)

var subscribeCount int

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <destination>",
	Short: "Subscribe to a destination and print incoming messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destination := args[0]

		bc, err := dialBroker()
		if err != nil {
			return err
		}
		defer bc.close()

		frame := stomp.FromCommand(stomp.CommandSubscribe)
		frame.Header.Set("destination", destination)
		frame.Header.Set("id", "rompctl-0")
		response, err := bc.exchange(frame)
		if err != nil {
			return err
		}
		if response.Command == stomp.CommandError {
			return fmt.Errorf("broker rejected subscribe: %s", response.Body)
		}

		received := 0
		for subscribeCount == 0 || received < subscribeCount {
			message, err := bc.readNoDeadline()
			if err != nil {
				return fmt.Errorf("subscription stream ended: %w", err)
			}
			if message.Command != stomp.CommandMessage {
				continue
			}
			messageID, _ := message.Header.Get("message-id")
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", messageID, destination, message.Body)
			received++
		}
		return nil
	},
}

func init() {
	subscribeCmd.Flags().IntVar(&subscribeCount, "count", 0, "exit after this many messages (0 = forever)")
	rootCmd.AddCommand(subscribeCmd)
}
