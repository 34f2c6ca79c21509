package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-platform/pkg/errors"
)

func chain(ids ...string) *Graph {
	g := &Graph{ID: "wf"}
	for i, id := range ids {
		g.Nodes = append(g.Nodes, Node{ID: id, Type: "noop"})
		if i > 0 {
			g.Edges = append(g.Edges, Edge{From: ids[i-1], To: id})
		}
	}
	return g
}

func TestGraph_WavesDiamond(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "start", Type: "t"}, {ID: "left", Type: "t"}, {ID: "right", Type: "t"}, {ID: "join", Type: "t"}},
		Edges: []Edge{{From: "start", To: "right"}, {From: "start", To: "left"}, {From: "left", To: "join"}, {From: "right", To: "join"}},
	}
	waves, err := g.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, "start", waves[0][0].ID)
	require.Len(t, waves[1], 2)
	assert.Equal(t, "left", waves[1][0].ID, "declaration order breaks ties")
	assert.Equal(t, "right", waves[1][1].ID)
	assert.Equal(t, "join", waves[2][0].ID)

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "left", "right", "join"}, order)
	assert.Equal(t, []string{"join"}, g.Sinks())
	assert.ElementsMatch(t, []string{"left", "right"}, g.Predecessors()["join"])
}

func TestGraph_Validate(t *testing.T) {
	cyclic := chain("a", "b", "c")
	cyclic.Edges = append(cyclic.Edges, Edge{From: "c", To: "a"})

	tests := map[string]*Graph{
		"empty":        {},
		"missing id":   {Nodes: []Node{{Type: "t"}}},
		"missing type": {Nodes: []Node{{ID: "a"}}},
		"duplicate":    {Nodes: []Node{{ID: "a", Type: "t"}, {ID: "a", Type: "t"}}},
		"bad edge":     {Nodes: []Node{{ID: "a", Type: "t"}}, Edges: []Edge{{From: "a", To: "zz"}}},
		"self loop":    {Nodes: []Node{{ID: "a", Type: "t"}}, Edges: []Edge{{From: "a", To: "a"}}},
		"cycle":        cyclic,
	}
	for name, g := range tests {
		err := g.Validate()
		assert.True(t, errors.Is(err, errors.ErrValidation), "%s: %v", name, err)
	}
	assert.NoError(t, chain("a", "b").Validate())
}
