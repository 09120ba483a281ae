package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect and complete the STOMP handshake",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bc, err := dialBroker()
		if err != nil {
			return err
		}
		defer bc.disconnect()

		fmt.Fprintf(cmd.OutOrStdout(), "connected to %s (server %s)\n", brokerAddr, bc.server)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
