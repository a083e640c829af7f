package jdl

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeName(t *testing.T) {
	assert.Equal(t, "gsj_12", NodeName(12))

	id, ok := ParseNodeName("gsj_12")
	assert.True(t, ok)
	assert.Equal(t, 12, id)

	for _, invalid := range []string{"", "gsj_", "node_1", "gsj_x"} {
		_, ok := ParseNodeName(invalid)
		assert.False(t, ok, invalid)
	}
}

func TestCollectionFileName(t *testing.T) {
	assert.Equal(t, "__jdlfile__50_100__", CollectionFileName(50, 100))
}

func TestCollection_RenderAndParse(t *testing.T) {
	nodes := []Node{
		{Name: NodeName(0), File: "/ws/0/input/__jdlfile__"},
		{Name: NodeName(1), File: "/ws/1/input/__jdlfile__"},
	}
	d := NewCollection("dteam", nodes)

	expected := `[
Type = "collection";
VirtualOrganisation = "dteam";
Nodes = {
[NodeName = "gsj_0"; file="/ws/0/input/__jdlfile__";],
[NodeName = "gsj_1"; file="/ws/1/input/__jdlfile__";]
};
]
`
	assert.Equal(t, expected, d.Render())
	assert.True(t, IsCollection(d.Render()))

	parsed, err := ParseCollectionNodes(d.Render())
	require.NoError(t, err)
	assert.Equal(t, nodes, parsed)
}

func TestParseCollectionNodes_RejectsPlainJob(t *testing.T) {
	d := NewDocument()
	d.SetString(Executable, "run.sh")
	_, err := ParseCollectionNodes(d.Render())
	assert.Error(t, err)
}

func TestReadCollectionNodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), CollectionFileName(0, 1))
	nodes := []Node{{Name: NodeName(4), File: "/a"}}
	require.NoError(t, NewCollection("vo", nodes).WriteFile(path))

	parsed, err := ReadCollectionNodes(path)
	require.NoError(t, err)
	assert.Equal(t, nodes, parsed)

	_, err = ReadCollectionNodes(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
