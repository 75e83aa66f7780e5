/*
Package log provides structured logging for the HierarchiDB core using
zerolog.

One process-wide logger is built by Setup; packages derive component
loggers with For and attach the identifiers that recur across the
core (tree, node, command group) with the field helpers, so every
emitted line is greppable by the same field names regardless of which
package wrote it.

# Usage

	if err := log.Setup(log.Options{Level: "debug"}); err != nil {
		return err
	}

	l := log.For("mutation")
	log.Node(l, string(nodeId)).Info().Msg("createNode")
	log.Tree(l, string(treeId)).Debug().Msg("tree created")

The level is enforced on the logger itself, not via zerolog's global,
so tests can build throwaway configurations without cross-talk. An
unknown level name is a Setup error, not a silent default.
*/
package log
