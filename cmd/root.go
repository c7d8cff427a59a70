package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/ValentinKolb/dSync/cmd/coll"
	"github.com/ValentinKolb/dSync/cmd/serve"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/spf13/cobra"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsync",
		Short: "synchronized collection store",
		Long: fmt.Sprintf(`dsync (v%s)

A synchronized document collection store written in Go. Collections are
kept in memory, changed through transactions and replicated either with
eventual consistency (gossip) or strict consistency (raft, sqlite, bolt,
postgres). Clients read snapshots and watch collections over HTTP.`, common.Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dsync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dsync v%s\n", common.Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(coll.CollectionCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
