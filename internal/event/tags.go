package event

import (
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TagSet is a sorted, duplicate-free set of NFC-normalized tags.
//
// Normalization makes visually identical tags ("café" composed vs
// decomposed) select the same events on every node.
type TagSet []string

// NewTagSet normalizes, sorts and deduplicates tags. Empty tags are dropped.
func NewTagSet(tags ...string) TagSet {
	out := make(TagSet, 0, len(tags))
	for _, t := range tags {
		t = norm.NFC.String(t)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Contains reports whether tag is in the set.
func (s TagSet) Contains(tag string) bool {
	_, ok := slices.BinarySearch(s, norm.NFC.String(tag))
	return ok
}

// IsSubsetOf reports whether every tag of s is also in o.
func (s TagSet) IsSubsetOf(o TagSet) bool {
	for _, t := range s {
		if _, ok := slices.BinarySearch(o, t); !ok {
			return false
		}
	}
	return true
}

func (s TagSet) String() string {
	return strings.Join(s, ",")
}
