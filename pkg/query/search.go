package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/ids"
	"github.com/kubohiroya/hierarchidb-core/pkg/metrics"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
	"github.com/kubohiroya/hierarchidb-core/pkg/storage"
)

// SearchMode selects how a query string matches node names.
type SearchMode string

const (
	MatchExact   SearchMode = "exact"
	MatchPrefix  SearchMode = "prefix"
	MatchSuffix  SearchMode = "suffix"
	MatchPartial SearchMode = "partial"
)

// SearchOptions parameterizes Search. Zero values mean: partial match,
// case-insensitive, whole tree, unlimited depth.
type SearchOptions struct {
	Query         string
	Mode          SearchMode
	RootNodeId    ids.NodeId
	MaxDepth      int
	CaseSensitive bool
	UseRegex      bool
}

// Search returns every node in treeId whose name matches opts. When
// RootNodeId is set the search is confined to that subtree (the root
// itself excluded), honoring MaxDepth; otherwise the whole tree is
// scanned flat.
func (s *Service) Search(treeId ids.TreeId, opts SearchOptions) ([]*nodemodel.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, "searchNodes")

	match, err := compileMatcher(opts)
	if err != nil {
		return nil, command.NewCodedError(command.CodeValidationError, err)
	}

	if opts.RootNodeId != "" {
		descendants, err := s.Descendants(opts.RootNodeId, DescendantOptions{MaxDepth: opts.MaxDepth})
		if err != nil {
			return nil, err
		}
		var out []*nodemodel.Node
		for _, n := range descendants {
			if n.TreeId == treeId && match(n.Name) {
				out = append(out, n)
			}
		}
		return out, nil
	}

	var out []*nodemodel.Node
	err = s.engine.Core().View(func(tx *storage.Tx) error {
		return tx.ForEach(nodemodel.StoreNodes, func(_, value []byte) error {
			n, err := nodemodel.Decode(value)
			if err != nil {
				return err
			}
			if n.TreeId == treeId && match(n.Name) {
				out = append(out, n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, command.NewCodedError(command.CodeDatabaseError, err)
	}
	return out, nil
}

func compileMatcher(opts SearchOptions) (func(string) bool, error) {
	if opts.UseRegex {
		pattern := opts.Query
		if !opts.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid search pattern: %w", err)
		}
		return re.MatchString, nil
	}

	fold := func(v string) string { return strings.ToLower(v) }
	if opts.CaseSensitive {
		fold = func(v string) string { return v }
	}
	needle := fold(opts.Query)

	mode := opts.Mode
	if mode == "" {
		mode = MatchPartial
	}
	switch mode {
	case MatchExact:
		return func(name string) bool { return fold(name) == needle }, nil
	case MatchPrefix:
		return func(name string) bool { return strings.HasPrefix(fold(name), needle) }, nil
	case MatchSuffix:
		return func(name string) bool { return strings.HasSuffix(fold(name), needle) }, nil
	case MatchPartial:
		return func(name string) bool { return strings.Contains(fold(name), needle) }, nil
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
}
