package coll

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/txn"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [collection] [id]",
		Short: "Prints a collection, or a single document if an id is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				doc, ok, err := rpcClient.Document(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("document %s:%s not found", args[0], args[1])
				}
				return util.PrintJSON(os.Stdout, doc)
			}
			resp, err := rpcClient.Collection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return util.PrintJSON(os.Stdout, resp)
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [collection] [document]",
		Short: "Creates or replaces a document (json, '-' for stdin or @file)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc model.Document
			if err := util.ReadJSONArg(args[1], &doc); err != nil {
				return err
			}
			return apply(cmd.Context(), model.Set(args[0], doc))
		},
	}
	updateCmd = &cobra.Command{
		Use:   "update [collection] [id] [fields]",
		Short: "Merges fields (json) into an existing document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields map[string]any
			if err := util.ReadJSONArg(args[2], &fields); err != nil {
				return err
			}
			return apply(cmd.Context(), model.Update(args[0], args[1], fields))
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [collection] [id]",
		Short: "Deletes a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apply(cmd.Context(), model.Delete(args[0], args[1]))
		},
	}
	applyCmd = &cobra.Command{
		Use:   "apply [transaction]",
		Short: `Applies a transaction, e.g. {"mutations": [{"type": "update", ...}]} (json, '-' for stdin or @file)`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req common.TransactionRequest
			if err := util.ReadJSONArg(args[0], &req); err != nil {
				return err
			}
			return apply(cmd.Context(), req.Mutations...)
		},
	}
	execCmd = &cobra.Command{
		Use:   "exec [operation]",
		Short: `Executes an operation descriptor, e.g. {"operationType": "delete", "collectionName": "tests", "documentId": "T1"}`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d txn.Descriptor
			if err := util.ReadJSONArg(args[0], &d); err != nil {
				return err
			}
			resp, err := rpcClient.Execute(cmd.Context(), d)
			if err != nil {
				return describe(err)
			}
			return util.PrintJSON(os.Stdout, resp)
		},
	}
	watchCmd = &cobra.Command{
		Use:   "watch [collection]",
		Short: "Prints every snapshot of a collection until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tty := util.IsTerminal(os.Stdout)
			return rpcClient.Watch(ctx, args[0], func(s common.CollectionResponse) {
				if tty {
					fmt.Println(util.Rule())
					fmt.Printf("%s  version=%d  documents=%d\n", s.Collection, s.Version, len(s.Documents))
				}
				if err := util.PrintJSON(os.Stdout, s); err != nil {
					fmt.Fprintf(os.Stderr, "failed to print snapshot: %v\n", err)
				}
			})
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Prints backend, state and collection sizes of the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := rpcClient.Status(cmd.Context())
			if err != nil {
				return err
			}
			return util.PrintJSON(os.Stdout, status)
		},
	}
)

func apply(ctx context.Context, muts ...model.Mutation) error {
	resp, err := rpcClient.Apply(ctx, muts...)
	if err != nil {
		return describe(err)
	}
	return util.PrintJSON(os.Stdout, resp)
}

// describe adds a hint to conflicts and retryable errors
func describe(err error) error {
	switch {
	case replication.IsConflict(err):
		return fmt.Errorf("%w (reload the documents and try again)", err)
	case replication.IsRetryable(err):
		return fmt.Errorf("%w (the request may be retried)", err)
	default:
		return err
	}
}
