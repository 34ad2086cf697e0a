package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dRT/cmd/ping"
	"github.com/ValentinKolb/dRT/cmd/serve"
	"github.com/ValentinKolb/dRT/cmd/util"
	"github.com/ValentinKolb/dRT/rpc/common"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "drt",
		Short: "shard-per-core runtime",
		Long: fmt.Sprintf(`dRT (v%s)

A shard-per-core application runtime written in Go. Every shard owns its own
network stack, TCP and RDMA transports and message dispatcher.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dRT",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dRT v%s\n", Version)
		},
	}
)

func init() {
	// the custom log format must be in place before any package logs
	cobra.OnInitialize(common.InstallLoggerFactory)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(ping.PingCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer of the echo and info verbs (binary, json, gob)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
