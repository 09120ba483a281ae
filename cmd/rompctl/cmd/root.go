package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	brokerAddr string
	vhost      string
	timeout    time.Duration
)

// rootCmd is the base command for rompctl.
var rootCmd = &cobra.Command{
	Use:           "rompctl",
	Short:         "rompctl — interact with a rompd STOMP broker",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerAddr, "addr", "127.0.0.1:61616", "broker address")
	rootCmd.PersistentFlags().StringVar(&vhost, "host", "localhost", "virtual host sent in the handshake")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "I/O timeout")
}
