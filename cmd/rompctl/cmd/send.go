package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rompd/rompd/stomp"
)

var sendTx string

var sendCmd = &cobra.Command{
	Use:   "send <destination> <body>",
	Short: "Publish a message to a destination",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		destination, body := args[0], args[1]

		bc, err := dialBroker()
		if err != nil {
			return err
		}
		defer bc.disconnect()

		if sendTx != "" {
			if err := beginTransaction(bc, sendTx); err != nil {
				return err
			}
		}

		frame := stomp.WithBody(stomp.CommandSend, body)
		frame.Header.Set("destination", destination)
		frame.Header.Set("receipt", "send-1")
		if sendTx != "" {
			frame.Header.Set("transaction", sendTx)
		}
		response, err := bc.exchange(frame)
		if err != nil {
			return err
		}
		if response.Command == stomp.CommandError {
			return fmt.Errorf("broker rejected send: %s", response.Body)
		}

		if sendTx != "" {
			if err := commitTransaction(bc, sendTx); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes to %s\n", len(body), destination)
		return nil
	},
}

func beginTransaction(bc *brokerConn, txID string) error {
	frame := stomp.FromCommand(stomp.CommandBegin)
	frame.Header.Set("transaction", txID)
	response, err := bc.exchange(frame)
	if err != nil {
		return err
	}
	if response.Command == stomp.CommandError {
		return fmt.Errorf("begin rejected: %s", response.Body)
	}
	return nil
}

func commitTransaction(bc *brokerConn, txID string) error {
	frame := stomp.FromCommand(stomp.CommandCommit)
	frame.Header.Set("transaction", txID)
	response, err := bc.exchange(frame)
	if err != nil {
		return err
	}
	if response.Command == stomp.CommandError {
		return fmt.Errorf("commit rejected: %s", response.Body)
	}
	return nil
}

func init() {
	sendCmd.Flags().StringVar(&sendTx, "transaction", "", "wrap the send in a transaction with this id")
	rootCmd.AddCommand(sendCmd)
}
