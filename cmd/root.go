// Package cmd defines the ispbot command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ispbot",
	Short: "ispbot - AI-powered ISP customer support engine",
	Long: `ispbot runs the conversation engine behind an ISP support channel.

It answers customer questions with retrieval-augmented generation over an
indexed knowledge base, calls operations tools (account lookup, balance,
payment links) on the customer's behalf, and walks ticket creation through
a guided wizard.

Run "ispbot serve" to start the HTTP API, or "ispbot ingest" to index
support articles into the knowledge base.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
