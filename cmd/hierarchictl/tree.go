package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubohiroya/hierarchidb-core/pkg/worker"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Manage trees",
}

var treeCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a tree with its three well-known roots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			tree, err := f.CreateTree(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Tree %s created\n", tree.TreeId)
			fmt.Printf("  root:      %s\n", tree.RootNodeId)
			fmt.Printf("  trash:     %s\n", tree.TrashRootNodeId)
			fmt.Printf("  superRoot: %s\n", tree.SuperRootNodeId)
			return nil
		})
	},
}

var treeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trees",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			trees, err := f.GetQueryAPI().ListTrees()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TREE ID\tNAME\tROOT NODE")
			for _, t := range trees {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.TreeId, t.Name, t.RootNodeId)
			}
			return w.Flush()
		})
	},
}

func init() {
	treeCmd.AddCommand(treeCreateCmd)
	treeCmd.AddCommand(treeListCmd)
}
