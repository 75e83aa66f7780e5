package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/mutation"
	"github.com/kubohiroya/hierarchidb-core/pkg/worker"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Create and mutate nodes",
}

func nodeIdsFromArgs(args []string) []ids.NodeId {
	out := make([]ids.NodeId, 0, len(args))
	for _, a := range args {
		out = append(out, ids.NodeId(a))
	}
	return out
}

// reportResult prints a CommandResult and converts failures into a
// non-zero exit.
func reportResult(res command.Result) error {
	if !res.Success {
		return fmt.Errorf("%s: %s", res.Code, res.Error)
	}
	if res.NodeId != "" {
		fmt.Printf("ok (seq %d) node %s\n", res.Seq, res.NodeId)
	} else if len(res.NewNodeIds) > 0 {
		fmt.Printf("ok (seq %d) new nodes:\n", res.Seq)
		for _, id := range res.NewNodeIds {
			fmt.Printf("  %s\n", id)
		}
	} else {
		fmt.Printf("ok (seq %d)\n", res.Seq)
	}
	return nil
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			treeId, _ := cmd.Flags().GetString("tree")
			parentId, _ := cmd.Flags().GetString("parent")
			nodeType, _ := cmd.Flags().GetString("type")
			description, _ := cmd.Flags().GetString("description")
			text, _ := cmd.Flags().GetString("text")

			in := mutation.CreateNodeInput{
				TreeId: ids.TreeId(treeId), ParentId: ids.NodeId(parentId),
				NodeType: nodeType, Name: args[0],
			}
			if description != "" {
				in.Description = &description
			}
			if text != "" {
				in.EntityData = map[string]any{"text": text}
			}
			return reportResult(f.GetMutationAPI().CreateNode(context.Background(), in))
		})
	},
}

var nodeRenameCmd = &cobra.Command{
	Use:   "rename <nodeId> <newName>",
	Short: "Rename a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			name := args[1]
			return reportResult(f.GetMutationAPI().UpdateNode(context.Background(), ids.NodeId(args[0]), mutation.UpdateNodeInput{Name: &name}))
		})
	},
}

var nodeMvCmd = &cobra.Command{
	Use:   "mv <nodeId>... <newParentId>",
	Short: "Move nodes under a new parent",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			moved := nodeIdsFromArgs(args[:len(args)-1])
			target := ids.NodeId(args[len(args)-1])
			return reportResult(f.GetMutationAPI().MoveNodes(context.Background(), moved, target, command.ConflictAutoRename))
		})
	},
}

var nodeTrashCmd = &cobra.Command{
	Use:   "trash <nodeId>...",
	Short: "Move nodes to their tree's trash",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			return reportResult(f.GetMutationAPI().MoveNodesToTrash(context.Background(), nodeIdsFromArgs(args)))
		})
	},
}

var nodeRecoverCmd = &cobra.Command{
	Use:   "recover <nodeId>...",
	Short: "Recover nodes from trash",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			to, _ := cmd.Flags().GetString("to")
			return reportResult(f.GetMutationAPI().RecoverNodesFromTrash(context.Background(), nodeIdsFromArgs(args), ids.NodeId(to)))
		})
	},
}

var nodeRmCmd = &cobra.Command{
	Use:   "rm <nodeId>...",
	Short: "Permanently remove nodes and their subtrees",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			return reportResult(f.GetMutationAPI().RemoveNodes(context.Background(), nodeIdsFromArgs(args)))
		})
	},
}

var nodeDupCmd = &cobra.Command{
	Use:   "dup <nodeId>... <targetParentId>",
	Short: "Duplicate subtrees under a parent",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			sources := nodeIdsFromArgs(args[:len(args)-1])
			target := ids.NodeId(args[len(args)-1])
			return reportResult(f.GetMutationAPI().DuplicateNodes(context.Background(), sources, target))
		})
	},
}

var nodeExportCmd = &cobra.Command{
	Use:   "export <nodeId>...",
	Short: "Export subtrees as a clipboard envelope (JSON) or CSV",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			asCSV, _ := cmd.Flags().GetBool("csv")
			if asCSV {
				out, err := f.GetMutationAPI().ExportNodesCSV(context.Background(), nodeIdsFromArgs(args))
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			}
			res := f.GetMutationAPI().ExportNodes(context.Background(), nodeIdsFromArgs(args))
			if !res.Success {
				return fmt.Errorf("%s: %s", res.Code, res.Error)
			}
			fmt.Println(string(res.ClipboardData))
			return nil
		})
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo <groupId>",
	Short: "Undo a command group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			return reportResult(f.GetMutationAPI().Undo(ids.CommandGroupId(args[0])))
		})
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo <groupId>",
	Short: "Redo a command group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFacade(cmd, func(f *worker.Facade) error {
			return reportResult(f.GetMutationAPI().Redo(ids.CommandGroupId(args[0])))
		})
	},
}

func init() {
	nodeCreateCmd.Flags().String("tree", "", "Tree ID (required)")
	nodeCreateCmd.Flags().String("parent", "", "Parent node ID (required)")
	nodeCreateCmd.Flags().String("type", "folder", "Node type")
	nodeCreateCmd.Flags().String("description", "", "Optional description")
	nodeCreateCmd.Flags().String("text", "", "Document body text (document nodes)")
	_ = nodeCreateCmd.MarkFlagRequired("tree")
	_ = nodeCreateCmd.MarkFlagRequired("parent")

	nodeRecoverCmd.Flags().String("to", "", "Recover under this parent instead of the original one")
	nodeExportCmd.Flags().Bool("csv", false, "Emit the CSV projection instead of JSON")

	nodeCmd.AddCommand(nodeCreateCmd)
	nodeCmd.AddCommand(nodeRenameCmd)
	nodeCmd.AddCommand(nodeMvCmd)
	nodeCmd.AddCommand(nodeTrashCmd)
	nodeCmd.AddCommand(nodeRecoverCmd)
	nodeCmd.AddCommand(nodeRmCmd)
	nodeCmd.AddCommand(nodeDupCmd)
	nodeCmd.AddCommand(nodeExportCmd)
}
