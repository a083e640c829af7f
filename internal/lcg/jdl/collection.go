package jdl

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodePrefix is prepended to a subjob id to name its node in a collection.
const NodePrefix = "gsj_"

// Node is one member of a collection, referencing the member's descriptor file.
type Node struct {
	Name string
	File string
}

// NodeName returns the collection node name of a subjob.
func NodeName(subjobID int) string {
	return fmt.Sprintf("%s%d", NodePrefix, subjobID)
}

// ParseNodeName returns the subjob id encoded in a node name.
func ParseNodeName(name string) (int, bool) {
	if !strings.HasPrefix(name, NodePrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, NodePrefix))
	if err != nil {
		return 0, false
	}
	return id, true
}

// CollectionFileName is the file a collection covering members [begin, end) is written to.
func CollectionFileName(begin, end int) string {
	return fmt.Sprintf("__jdlfile__%d_%d__", begin, end)
}

// NewCollection builds the aggregate descriptor submitting every node as one job.
func NewCollection(virtualOrganisation string, nodes []Node) *Document {
	d := NewDocument()
	d.SetString(Type, "collection")
	d.SetString(VirtualOrganisation, virtualOrganisation)
	d.set(Nodes, attribute{kind: kindNodes, nodes: append([]Node(nil), nodes...)})
	return d
}

var (
	nodePattern       = regexp.MustCompile(`\[\s*NodeName\s*=\s*"([^"]*)"\s*;\s*file\s*=\s*"([^"]*)"\s*;\s*\]`)
	collectionPattern = regexp.MustCompile(`Type\s*=\s*"collection"`)
)

// ParseCollectionNodes extracts the nodes from collection JDL text.
func ParseCollectionNodes(text string) ([]Node, error) {
	if !IsCollection(text) {
		return nil, errors.New("descriptor is not a collection")
	}
	matches := nodePattern.FindAllStringSubmatch(text, -1)
	nodes := make([]Node, 0, len(matches))
	for _, m := range matches {
		nodes = append(nodes, Node{Name: m[1], File: m[2]})
	}
	return nodes, nil
}

// ReadCollectionNodes reads a collection descriptor file and returns its nodes.
func ReadCollectionNodes(path string) ([]Node, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading descriptor %s", path)
	}
	return ParseCollectionNodes(string(content))
}

// IsCollection reports whether JDL text describes a collection.
func IsCollection(text string) bool {
	return collectionPattern.MatchString(text)
}
