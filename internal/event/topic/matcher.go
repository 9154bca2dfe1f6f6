package topic

import "sync"

// Matcher indexes pattern topics in a trie for efficient matching of
// published topics against many subscription patterns. Safe for
// concurrent use.
type Matcher struct {
	mu   sync.RWMutex
	root *trieNode
}

// trieNode is one segment level of the pattern trie.
type trieNode struct {
	children map[string]*trieNode
	patterns []Topic // patterns terminating at this node
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{root: newTrieNode()}
}

// Add inserts a pattern. Adding a pattern twice is a no-op.
func (m *Matcher) Add(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			node.children[seg] = newTrieNode()
		}
		node = node.children[seg]
	}

	for _, p := range node.patterns {
		if p == pattern {
			return
		}
	}
	node.patterns = append(node.patterns, pattern)
}

// Remove deletes a pattern. Unknown patterns are ignored.
func (m *Matcher) Remove(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			return
		}
		node = node.children[seg]
	}

	for i, p := range node.patterns {
		if p == pattern {
			node.patterns = append(node.patterns[:i], node.patterns[i+1:]...)
			break
		}
	}
}

// Has returns true if the exact pattern is present.
func (m *Matcher) Has(pattern Topic) bool {
	if pattern == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			return false
		}
		node = node.children[seg]
	}

	for _, p := range node.patterns {
		if p == pattern {
			return true
		}
	}
	return false
}

// Match returns every stored pattern matching the published topic.
// The topic itself must be concrete (no wildcards).
func (m *Matcher) Match(eventTopic Topic) []Topic {
	if eventTopic == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Topic
	m.matchRecursive(m.root, eventTopic.Segments(), 0, &matches)
	return matches
}

func (m *Matcher) matchRecursive(node *trieNode, segments []string, depth int, matches *[]Topic) {
	if node == nil {
		return
	}

	if depth == len(segments) {
		*matches = append(*matches, node.patterns...)

		// A trailing ** may still match zero further segments.
		if child := node.children[WildcardMulti]; child != nil {
			m.matchRecursive(child, segments, depth, matches)
		}
		return
	}

	if child := node.children[segments[depth]]; child != nil {
		m.matchRecursive(child, segments, depth+1, matches)
	}

	if child := node.children[WildcardSingle]; child != nil {
		m.matchRecursive(child, segments, depth+1, matches)
	}

	if child := node.children[WildcardMulti]; child != nil {
		for i := depth; i <= len(segments); i++ {
			m.matchRecursive(child, segments, i, matches)
		}
	}
}

// Count returns the number of stored patterns.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	m.countPatterns(m.root, &count)
	return count
}

func (m *Matcher) countPatterns(node *trieNode, count *int) {
	if node == nil {
		return
	}
	*count += len(node.patterns)
	for _, child := range node.children {
		m.countPatterns(child, count)
	}
}

// Clear removes all patterns.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = newTrieNode()
}
