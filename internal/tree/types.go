package tree

import (
	"encoding/json"
	"slices"
	"strings"

	"lsc/shared/utils"
)

// Node names a file or a directory. Which one depends on the list that
// holds it.
type Node struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// Tree is one directory listing. Trees are immutable once written and are
// identified by the hash of their serialized form.
type Tree struct {
	DirectoryNodes []Node `json:"directory_nodes"`
	FileNodes      []Node `json:"file_nodes"`
}

func compareNodes(a, b Node) int {
	return strings.Compare(a.Name, b.Name)
}

// Normalize sorts both lists by name and replaces nil lists with empty ones,
// so equal trees serialize to equal bytes.
func (t *Tree) Normalize() {
	if t.DirectoryNodes == nil {
		t.DirectoryNodes = []Node{}
	}
	if t.FileNodes == nil {
		t.FileNodes = []Node{}
	}
	slices.SortFunc(t.DirectoryNodes, compareNodes)
	slices.SortFunc(t.FileNodes, compareNodes)
}

// Serialize returns the canonical encoding of t.
func (t *Tree) Serialize() ([]byte, error) {
	c := t.Clone()
	c.Normalize()
	return json.Marshal(c)
}

// Hash returns the hash of the canonical encoding.
func (t *Tree) Hash() (string, error) {
	data, err := t.Serialize()
	if err != nil {
		return "", err
	}
	return utils.HashContent(data), nil
}

func (t *Tree) IsEmpty() bool {
	return len(t.DirectoryNodes) == 0 && len(t.FileNodes) == 0
}

func (t *Tree) Clone() *Tree {
	return &Tree{
		DirectoryNodes: slices.Clone(t.DirectoryNodes),
		FileNodes:      slices.Clone(t.FileNodes),
	}
}

// File returns the file node called name.
func (t *Tree) File(name string) (Node, bool) {
	return find(t.FileNodes, name)
}

// Directory returns the directory node called name.
func (t *Tree) Directory(name string) (Node, bool) {
	return find(t.DirectoryNodes, name)
}

func (t *Tree) setFile(n Node) {
	t.FileNodes = upsert(t.FileNodes, n)
}

func (t *Tree) setDirectory(n Node) {
	t.DirectoryNodes = upsert(t.DirectoryNodes, n)
}

func (t *Tree) removeFile(name string) bool {
	var ok bool
	t.FileNodes, ok = remove(t.FileNodes, name)
	return ok
}

func (t *Tree) removeDirectory(name string) bool {
	var ok bool
	t.DirectoryNodes, ok = remove(t.DirectoryNodes, name)
	return ok
}

func find(nodes []Node, name string) (Node, bool) {
	i, ok := slices.BinarySearchFunc(nodes, name, func(n Node, name string) int {
		return strings.Compare(n.Name, name)
	})
	if !ok {
		return Node{}, false
	}
	return nodes[i], true
}

func upsert(nodes []Node, n Node) []Node {
	i, ok := slices.BinarySearchFunc(nodes, n.Name, func(n Node, name string) int {
		return strings.Compare(n.Name, name)
	})
	if ok {
		nodes[i] = n
		return nodes
	}
	return slices.Insert(nodes, i, n)
}

func remove(nodes []Node, name string) ([]Node, bool) {
	i, ok := slices.BinarySearchFunc(nodes, name, func(n Node, name string) int {
		return strings.Compare(n.Name, name)
	})
	if !ok {
		return nodes, false
	}
	return slices.Delete(nodes, i, i+1), true
}

// Delta is one path that differs between two trees. An empty From means the
// file was added, an empty To that it was deleted.
type Delta struct {
	Path string `json:"path"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}
