// Package folder registers the built-in container node type. Folders
// carry no entity payload of their own; they exist to hold children,
// so the definition is mostly declarative.
package folder

import (
	"github.com/kubohiroya/hierarchidb-core/pkg/plugin"
)

// NodeType is the registry key for folders.
const NodeType = "folder"

// Definition returns the folder NodeTypeDefinition.
func Definition() *plugin.NodeTypeDefinition {
	return &plugin.NodeTypeDefinition{
		NodeType:    NodeType,
		DisplayName: "Folder",
		Description: "A container node grouping arbitrary children",
		Schema:      plugin.SchemaSpec{Version: 1},
		Handler:     plugin.BaseEntityHandler{},
		UIComponents: map[string]string{
			"icon":   "folder",
			"dialog": "FolderDialog",
		},
	}
}
