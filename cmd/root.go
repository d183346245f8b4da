package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/voipfinance/bridge-relayer/cmd/relayer"
	"github.com/voipfinance/bridge-relayer/pkg/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayerd",
	Short: "Ethereum to Solana bridge relayer",
}

// Top-level version subcommand
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display binary version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(relayer.RelayCmd)
	rootCmd.AddCommand(relayer.LedgerCmd)
	rootCmd.AddCommand(versionCmd)
}
