package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pairbox",
		Short: "Mailbox rendezvous relay server",
		Long: `Pairbox pairs two clients through a short random identifier and then
relays their messages verbatim in both directions.

A client creates a mailbox and receives its identifier out-of-band to a
second client, which connects to the same identifier. From that point the
server is a transparent relay: it never inspects payloads, and if either
side disconnects the other is disconnected too.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
