// Package identity canonicalizes catalog identifiers so that versioned and
// unversioned forms of the same paper compare equal.
package identity

import "regexp"

var versionSuffix = regexp.MustCompile(`(v\d+)+$`)

// Normalize strips a trailing version suffix ("v" followed by digits) from id.
// Identifiers without a suffix are returned unchanged.
func Normalize(id string) string {
	return versionSuffix.ReplaceAllString(id, "")
}

// Equivalent reports whether a and b name the same paper.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Set holds identifiers in both raw and normalized form so a lookup by
// either version of an identifier succeeds.
type Set map[string]struct{}

// NewSet returns a set seeded with ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids)*2)
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add registers id and its normalized form.
func (s Set) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
	s[Normalize(id)] = struct{}{}
}

// Contains reports whether id, or its normalized form, has been registered.
func (s Set) Contains(id string) bool {
	if _, ok := s[id]; ok {
		return true
	}
	_, ok := s[Normalize(id)]
	return ok
}

// Merge adds every member of other to s.
func (s Set) Merge(other Set) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Len returns the number of stored forms, raw and normalized counted separately.
func (s Set) Len() int {
	return len(s)
}
