package coll

import (
	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// CollectionCommands represents the collection command group
	CollectionCommands = &cobra.Command{
		Use:               "coll",
		Short:             "Read, write and watch the collections of a dsync server",
		PersistentPreRunE: setupClient,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupClientFlags(CollectionCommands)

	CollectionCommands.AddCommand(getCmd)
	CollectionCommands.AddCommand(setCmd)
	CollectionCommands.AddCommand(updateCmd)
	CollectionCommands.AddCommand(delCmd)
	CollectionCommands.AddCommand(applyCmd)
	CollectionCommands.AddCommand(execCmd)
	CollectionCommands.AddCommand(watchCmd)
	CollectionCommands.AddCommand(statusCmd)
	CollectionCommands.AddCommand(benchCmd)
}

// setupClient creates the HTTP client from flags and environment
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	c, err := client.NewClient(util.GetClientConfig())
	if err != nil {
		return err
	}
	rpcClient = c
	return nil
}
