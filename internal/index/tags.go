// Package index holds the secondary structures kept over one agent's live
// records: the tag inverted index, the semantic (embedding) index and the
// expiry queue.
//
// Tags and Semantic are not safe for concurrent use; the engine owns one of
// each per agent and guards them with that agent's partition lock. Expiry
// carries its own lock so the reaper can pop from it without stopping
// foreground traffic.
package index

import "sort"

// Tags maps tag -> set of record ids for a single agent.
type Tags struct {
	byTag map[string]map[string]struct{}
	byID  map[string][]string
}

// NewTags returns an empty tag index.
func NewTags() *Tags {
	return &Tags{
		byTag: make(map[string]map[string]struct{}),
		byID:  make(map[string][]string),
	}
}

// Add indexes id under each tag. Adding an id twice replaces its tags.
func (t *Tags) Add(id string, tags []string) {
	t.Remove(id)
	if len(tags) == 0 {
		return
	}
	for _, tag := range tags {
		set, ok := t.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			t.byTag[tag] = set
		}
		set[id] = struct{}{}
	}
	t.byID[id] = append([]string(nil), tags...)
}

// Remove drops every entry for id.
func (t *Tags) Remove(id string) {
	for _, tag := range t.byID[id] {
		set := t.byTag[tag]
		delete(set, id)
		if len(set) == 0 {
			delete(t.byTag, tag)
		}
	}
	delete(t.byID, id)
}

// Match returns the ids carrying all of tags (matchAll) or any of them.
// An empty tag list matches nothing.
func (t *Tags) Match(tags []string, matchAll bool) map[string]struct{} {
	out := make(map[string]struct{})
	if len(tags) == 0 {
		return out
	}

	if !matchAll {
		for _, tag := range tags {
			for id := range t.byTag[tag] {
				out[id] = struct{}{}
			}
		}
		return out
	}

	// Intersect starting from the smallest posting list.
	sets := make([]map[string]struct{}, 0, len(tags))
	for _, tag := range tags {
		set, ok := t.byTag[tag]
		if !ok {
			return out
		}
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

	for id := range sets[0] {
		all := true
		for _, set := range sets[1:] {
			if _, ok := set[id]; !ok {
				all = false
				break
			}
		}
		if all {
			out[id] = struct{}{}
		}
	}
	return out
}

// Len returns the number of distinct tags.
func (t *Tags) Len() int {
	return len(t.byTag)
}
