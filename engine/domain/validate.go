package domain

import (
	"regexp"
	"strings"
)

var (
	collectionIDRegex  = regexp.MustCompile(`^\d+$`)
	collectionURLRegex = regexp.MustCompile(`/collections/(\d+)`)
	usernameRegex      = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	userURLRegex       = regexp.MustCompile(`/user/([A-Za-z0-9_.\-]+)`)
)

// Selector names the remote scope to fetch: exactly one user or one collection.
type Selector struct {
	Kind SourceKind
	ID   string
}

// Source returns the provenance stamped onto records fetched by s.
func (s Selector) Source() Source {
	return Source{Kind: s.Kind, Identifier: s.ID}
}

func (s Selector) String() string { return string(s.Kind) + ":" + s.ID }

// Valid reports whether s names a known kind and a non-empty id.
func (s Selector) Valid() bool {
	return s.ID != "" && (s.Kind == SourceUser || s.Kind == SourceCollection)
}

// ParseSelector validates a user/collection pair. Exactly one must be set.
// Either may be a bare identifier or a full site URL.
func ParseSelector(user, collection string) (Selector, error) {
	user, collection = strings.TrimSpace(user), strings.TrimSpace(collection)
	switch {
	case user == "" && collection == "":
		return Selector{}, NewValidationError("selector", "", ErrInvalidSelector)
	case user != "" && collection != "":
		return Selector{}, NewValidationError("selector", user+","+collection, ErrInvalidSelector)
	case collection != "":
		id, ok := ExtractCollectionID(collection)
		if !ok {
			return Selector{}, NewValidationError("collection", collection, ErrInvalidSelector)
		}
		return Selector{Kind: SourceCollection, ID: id}, nil
	default:
		name, ok := ExtractUsername(user)
		if !ok {
			return Selector{}, NewValidationError("user", user, ErrInvalidSelector)
		}
		return Selector{Kind: SourceUser, ID: name}, nil
	}
}

// ExtractCollectionID accepts "12345" or ".../collections/12345...".
func ExtractCollectionID(s string) (string, bool) {
	if collectionIDRegex.MatchString(s) {
		return s, true
	}
	if m := collectionURLRegex.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return "", false
}

// ExtractUsername accepts "name" or ".../user/name...".
func ExtractUsername(s string) (string, bool) {
	if strings.Contains(s, "/") {
		if m := userURLRegex.FindStringSubmatch(s); m != nil {
			return m[1], true
		}
		return "", false
	}
	if usernameRegex.MatchString(s) {
		return s, true
	}
	return "", false
}
