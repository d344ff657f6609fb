// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package attribute

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	// Root addresses the implicit root of the tree. Absolute paths are
	// resolved relative to it.
	Root = -1

	// Invalid is returned by non-failing lookups when the path does not
	// exist.
	Invalid = -2

	// Wildcard matches every child of the current node in [Tree.Match].
	Wildcard = "*"

	// ParentSegment climbs to the parent of the current node in
	// [Tree.Match].
	ParentSegment = ".."
)

var (
	// ErrNotFound is returned by non-creating lookups when a path
	// segment does not exist.
	ErrNotFound = errors.New("attribute not found")

	// ErrInvalidQuark is returned when a quark is outside the allocated
	// range.
	ErrInvalidQuark = errors.New("invalid attribute quark")
)

type node struct {
	name     string
	parent   int
	children []int
}

type childKey struct {
	parent int
	name   string
}

// Tree is the quark arena. The zero value is not usable; call [New].
type Tree struct {
	mu           sync.RWMutex
	nodes        []node
	rootChildren []int
	lookup       map[childKey]int
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{lookup: make(map[childKey]int)}
}

// Len returns the number of allocated quarks. Quarks 0..Len()-1 are
// valid.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// GetOrCreate resolves path relative to parent, allocating every
// missing segment. An empty path returns parent. Panics if parent is
// neither [Root] nor an allocated quark.
func (t *Tree) GetOrCreate(parent int, path ...string) int {
	// Fast path: everything already exists.
	t.mu.RLock()
	quark, missing := t.resolveLocked(parent, path)
	t.mu.RUnlock()
	if missing < 0 {
		return quark
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Another writer may have created some segments in between.
	current := parent
	if err := t.checkLocked(current, true); err != nil {
		panic(fmt.Sprintf("attribute: GetOrCreate: %v", err))
	}
	for _, segment := range path {
		child, exists := t.lookup[childKey{current, segment}]
		if !exists {
			child = len(t.nodes)
			t.nodes = append(t.nodes, node{name: segment, parent: current})
			t.lookup[childKey{current, segment}] = child
			if current == Root {
				t.rootChildren = append(t.rootChildren, child)
			} else {
				t.nodes[current].children = append(t.nodes[current].children, child)
			}
		}
		current = child
	}
	return current
}

// Get resolves path relative to parent without creating anything.
// Fails with [ErrNotFound] if a segment is missing.
func (t *Tree) Get(parent int, path ...string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.checkLocked(parent, true); err != nil {
		return Invalid, err
	}
	quark, missing := t.resolveLocked(parent, path)
	if missing >= 0 {
		return Invalid, fmt.Errorf("%w: %s (missing %q)", ErrNotFound,
			joinPath(t.pathLocked(parent), path), path[missing])
	}
	return quark, nil
}

// Optional is Get returning [Invalid] instead of an error.
func (t *Tree) Optional(parent int, path ...string) int {
	quark, err := t.Get(parent, path...)
	if err != nil {
		return Invalid
	}
	return quark
}

// resolveLocked walks path from parent. It returns the resolved quark
// and -1, or the deepest existing quark and the index of the first
// missing segment.
func (t *Tree) resolveLocked(parent int, path []string) (int, int) {
	current := parent
	for index, segment := range path {
		child, exists := t.lookup[childKey{current, segment}]
		if !exists {
			return current, index
		}
		current = child
	}
	return current, -1
}

func (t *Tree) checkLocked(quark int, allowRoot bool) error {
	if quark == Root && allowRoot {
		return nil
	}
	if quark < 0 || quark >= len(t.nodes) {
		return fmt.Errorf("%w: %d (tree holds %d)", ErrInvalidQuark, quark, len(t.nodes))
	}
	return nil
}

// Children returns the direct children of quark in creation order, or
// every descendant in depth-first pre-order when recursive is set.
// [Root] enumerates the top level.
func (t *Tree) Children(quark int, recursive bool) ([]int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := t.checkLocked(quark, true); err != nil {
		return nil, err
	}
	direct := t.childrenLocked(quark)
	if !recursive {
		return append([]int(nil), direct...), nil
	}

	var result []int
	var walk func(children []int)
	walk = func(children []int) {
		for _, child := range children {
			result = append(result, child)
			walk(t.nodes[child].children)
		}
	}
	walk(direct)
	return result, nil
}

func (t *Tree) childrenLocked(quark int) []int {
	if quark == Root {
		return t.rootChildren
	}
	return t.nodes[quark].children
}

// Name returns the last segment of the quark's path.
func (t *Tree) Name(quark int) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkLocked(quark, false); err != nil {
		return "", err
	}
	return t.nodes[quark].name, nil
}

// Parent returns the parent quark, which is [Root] for top-level
// attributes.
func (t *Tree) Parent(quark int) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkLocked(quark, false); err != nil {
		return Invalid, err
	}
	return t.nodes[quark].parent, nil
}

// Path reconstructs the full segment list by walking parent links.
func (t *Tree) Path(quark int) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkLocked(quark, false); err != nil {
		return nil, err
	}
	return t.pathLocked(quark), nil
}

func (t *Tree) pathLocked(quark int) []string {
	var reversed []string
	for current := quark; current != Root; current = t.nodes[current].parent {
		reversed = append(reversed, t.nodes[current].name)
	}
	path := make([]string, len(reversed))
	for i, segment := range reversed {
		path[len(reversed)-1-i] = segment
	}
	return path
}

// FullPath returns the path joined with "/". Slashes inside a segment
// are escaped as `\/`.
func (t *Tree) FullPath(quark int) (string, error) {
	path, err := t.Path(quark)
	if err != nil {
		return "", err
	}
	return JoinPath(path), nil
}

// JoinPath renders segments the way [Tree.FullPath] does.
func JoinPath(path []string) string {
	escaped := make([]string, len(path))
	for i, segment := range path {
		escaped[i] = strings.ReplaceAll(segment, "/", `\/`)
	}
	return strings.Join(escaped, "/")
}

func joinPath(prefix, suffix []string) string {
	return JoinPath(append(append([]string(nil), prefix...), suffix...))
}

// Match resolves a wildcard pattern relative to parent. "*" expands to
// every child, ".." climbs to the parent (and is ignored at the root),
// and any other segment must match exactly. Results are deduplicated
// and keep discovery order. Nothing is created.
func (t *Tree) Match(parent int, pattern ...string) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.checkLocked(parent, true) != nil {
		return nil
	}
	current := []int{parent}
	for _, segment := range pattern {
		var next []int
		seen := make(map[int]bool)
		add := func(quark int) {
			if !seen[quark] {
				seen[quark] = true
				next = append(next, quark)
			}
		}
		for _, quark := range current {
			switch segment {
			case Wildcard:
				for _, child := range t.childrenLocked(quark) {
					add(child)
				}
			case ParentSegment:
				if quark != Root {
					add(t.nodes[quark].parent)
				}
			default:
				if child, exists := t.lookup[childKey{quark, segment}]; exists {
					add(child)
				}
			}
		}
		current = next
	}

	result := make([]int, 0, len(current))
	for _, quark := range current {
		if quark != Root {
			result = append(result, quark)
		}
	}
	return result
}

// Entry is one allocated node, used to persist and rebuild a tree.
type Entry struct {
	Quark  int
	Parent int
	Name   string
}

// Entries returns every node in quark order.
func (t *Tree) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]Entry, len(t.nodes))
	for quark, n := range t.nodes {
		entries[quark] = Entry{Quark: quark, Parent: n.parent, Name: n.name}
	}
	return entries
}

// Restore rebuilds a tree from [Tree.Entries] output. Entries must be
// in quark order with each parent preceding its children.
func Restore(entries []Entry) (*Tree, error) {
	tree := New()
	for index, entry := range entries {
		if entry.Quark != index {
			return nil, fmt.Errorf("attribute: restore: entry %d has quark %d", index, entry.Quark)
		}
		if entry.Parent != Root && (entry.Parent < 0 || entry.Parent >= index) {
			return nil, fmt.Errorf("attribute: restore: quark %d has parent %d", entry.Quark, entry.Parent)
		}
		if _, duplicate := tree.lookup[childKey{entry.Parent, entry.Name}]; duplicate {
			return nil, fmt.Errorf("attribute: restore: duplicate child %q under %d", entry.Name, entry.Parent)
		}
		quark := tree.GetOrCreate(entry.Parent, entry.Name)
		if quark != entry.Quark {
			return nil, fmt.Errorf("attribute: restore: %q allocated as %d, want %d", entry.Name, quark, entry.Quark)
		}
	}
	return tree, nil
}
