package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/query"
	"github.com/kubohiroya/hierarchidb-core/pkg/worker"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Read nodes and trees",
}

func printNodes(nodes []*nodemodel.Node) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE ID\tNAME\tTYPE\tPARENT\tVERSION")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", n.Id, n.Name, n.NodeType, n.ParentId, n.Version)
	}
	return w.Flush()
}

var queryChildrenCmd = &cobra.Command{
	Use:   "children <parentId>",
	Short: "List a node's direct children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			children, err := f.GetQueryAPI().GetChildren(ids.NodeId(args[0]), query.ChildrenPage{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			return printNodes(children)
		})
	},
}

var queryDescendantsCmd = &cobra.Command{
	Use:   "descendants <rootNodeId>",
	Short: "Walk a subtree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			maxDepth, _ := cmd.Flags().GetInt("max-depth")
			includeTypes, _ := cmd.Flags().GetStringSlice("type")
			nodes, err := f.GetQueryAPI().GetDescendants(ids.NodeId(args[0]), query.DescendantOptions{
				MaxDepth: maxDepth, IncludeTypes: includeTypes,
			})
			if err != nil {
				return err
			}
			return printNodes(nodes)
		})
	},
}

var queryAncestorsCmd = &cobra.Command{
	Use:   "ancestors <nodeId>",
	Short: "List a node's ancestor chain, root first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			nodes, err := f.GetQueryAPI().GetAncestors(ids.NodeId(args[0]))
			if err != nil {
				return err
			}
			return printNodes(nodes)
		})
	},
}

var querySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search node names",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			treeId, _ := cmd.Flags().GetString("tree")
			mode, _ := cmd.Flags().GetString("mode")
			rootNodeId, _ := cmd.Flags().GetString("root")
			caseSensitive, _ := cmd.Flags().GetBool("case-sensitive")
			useRegex, _ := cmd.Flags().GetBool("regex")

			nodes, err := f.GetQueryAPI().SearchNodes(ids.TreeId(treeId), query.SearchOptions{
				Query: args[0], Mode: query.SearchMode(mode),
				RootNodeId: ids.NodeId(rootNodeId),
				CaseSensitive: caseSensitive, UseRegex: useRegex,
			})
			if err != nil {
				return err
			}
			return printNodes(nodes)
		})
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Inspect registered node types",
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered node types",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			reg := f.GetPluginRegistryAPI()
			types := reg.ListSupportedNodeTypes()
			sort.Strings(types)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NODE TYPE\tDISPLAY NAME\tOPERATIONS")
			for _, nt := range types {
				def, _ := reg.GetNodeTypeDefinition(nt)
				fmt.Fprintf(w, "%s\t%s\t%v\n", nt, def.DisplayName, reg.GetSupportedOperations(nt))
			}
			return w.Flush()
		})
	},
}

func init() {
	queryChildrenCmd.Flags().Int("limit", 0, "Maximum number of children to return")
	queryChildrenCmd.Flags().Int("offset", 0, "Number of children to skip")
	queryDescendantsCmd.Flags().Int("max-depth", 0, "Maximum depth, inclusive (0 = unlimited)")
	queryDescendantsCmd.Flags().StringSlice("type", nil, "Only include these node types")
	querySearchCmd.Flags().String("tree", "", "Tree ID (required)")
	querySearchCmd.Flags().String("mode", "partial", "Match mode: exact, prefix, suffix, partial")
	querySearchCmd.Flags().String("root", "", "Restrict search to this subtree")
	querySearchCmd.Flags().Bool("case-sensitive", false, "Match case-sensitively")
	querySearchCmd.Flags().Bool("regex", false, "Treat the query as a regular expression")
	_ = querySearchCmd.MarkFlagRequired("tree")

	queryCmd.AddCommand(queryChildrenCmd)
	queryCmd.AddCommand(queryDescendantsCmd)
	queryCmd.AddCommand(queryAncestorsCmd)
	queryCmd.AddCommand(querySearchCmd)

	pluginCmd.AddCommand(pluginListCmd)
}
