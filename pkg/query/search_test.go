package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubohiroya/hierarchidb-core/pkg/command"
	"github.com/kubohiroya/hierarchidb-core/pkg/nodemodel"
)

func searchFixture(t *testing.T) *Service {
	t.Helper()
	engine := testEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	putNode(t, engine, &nodemodel.Node{Id: "reports", TreeId: "t", ParentId: "root", NodeType: "folder", Name: "Reports", CreatedAt: now, UpdatedAt: now})
	putNode(t, engine, &nodemodel.Node{Id: "q1", TreeId: "t", ParentId: "reports", NodeType: "document", Name: "Q1 Report", CreatedAt: now, UpdatedAt: now})
	putNode(t, engine, &nodemodel.Node{Id: "q2", TreeId: "t", ParentId: "reports", NodeType: "document", Name: "Q2 Report", CreatedAt: now, UpdatedAt: now})
	putNode(t, engine, &nodemodel.Node{Id: "misc", TreeId: "t", ParentId: "root", NodeType: "folder", Name: "report archive", CreatedAt: now, UpdatedAt: now})
	return New(engine, 16)
}

func TestService_SearchModes(t *testing.T) {
	s := searchFixture(t)

	tests := []struct {
		name string
		opts SearchOptions
		want []string
	}{
		{"exact", SearchOptions{Query: "q1 report", Mode: MatchExact}, []string{"Q1 Report"}},
		{"prefix", SearchOptions{Query: "q", Mode: MatchPrefix}, []string{"Q1 Report", "Q2 Report"}},
		{"suffix", SearchOptions{Query: "archive", Mode: MatchSuffix}, []string{"report archive"}},
		{"partial", SearchOptions{Query: "report"}, []string{"Reports", "Q1 Report", "Q2 Report", "report archive"}},
		{"case sensitive partial", SearchOptions{Query: "Report", CaseSensitive: true}, []string{"Reports", "Q1 Report", "Q2 Report"}},
		{"regex", SearchOptions{Query: `^Q\d Report$`, UseRegex: true}, []string{"Q1 Report", "Q2 Report"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := s.Search("t", tt.opts)
			require.NoError(t, err)
			var names []string
			for _, n := range found {
				names = append(names, n.Name)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestService_SearchScopedToSubtree(t *testing.T) {
	s := searchFixture(t)

	found, err := s.Search("t", SearchOptions{Query: "report", RootNodeId: "reports"})
	require.NoError(t, err)
	var names []string
	for _, n := range found {
		names = append(names, n.Name)
	}
	assert.ElementsMatch(t, []string{"Q1 Report", "Q2 Report"}, names)
}

func TestService_SearchRejectsBadRegex(t *testing.T) {
	s := searchFixture(t)

	_, err := s.Search("t", SearchOptions{Query: "(", UseRegex: true})
	require.Error(t, err)
	assert.Equal(t, command.CodeValidationError, command.CodeOf(err))
}

func TestService_DescendantsDepthAndTypeFilters(t *testing.T) {
	s := searchFixture(t)

	all, err := s.Descendants("root", DescendantOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	shallow, err := s.Descendants("root", DescendantOptions{MaxDepth: 1})
	require.NoError(t, err)
	assert.Len(t, shallow, 2)

	docs, err := s.Descendants("root", DescendantOptions{IncludeTypes: []string{"document"}})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	noDocs, err := s.Descendants("root", DescendantOptions{ExcludeTypes: []string{"document"}})
	require.NoError(t, err)
	assert.Len(t, noDocs, 2)
}

func TestService_GetChildrenPage(t *testing.T) {
	s := searchFixture(t)

	page, err := s.GetChildrenPage("reports", ChildrenPage{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "Q1 Report", page[0].Name)

	page, err = s.GetChildrenPage("reports", ChildrenPage{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "Q2 Report", page[0].Name)

	page, err = s.GetChildrenPage("reports", ChildrenPage{Descending: true})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Q2 Report", page[0].Name)

	page, err = s.GetChildrenPage("reports", ChildrenPage{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}
