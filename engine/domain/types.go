// Package domain defines the record, unit, and phrase types shared by every
// civiphrases stage, along with the phrase taxonomy and validation errors.
package domain

import (
	"crypto/md5"
	"encoding/hex"
)

// SourceKind identifies how a record was selected upstream.
type SourceKind string

const (
	SourceUser       SourceKind = "user"
	SourceCollection SourceKind = "collection"
)

// Source records the selector that produced a record.
type Source struct {
	Kind       SourceKind `json:"type"`
	Identifier string     `json:"identifier"`
}

// Image is display metadata kept alongside a record.
type Image struct {
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	Model   string `json:"model,omitempty"`
	Created string `json:"created,omitempty"`
}

// SourceRecord is one fetched item with its prompt text.
type SourceRecord struct {
	ItemID   string         `json:"item_id"`
	Source   Source         `json:"source"`
	Positive string         `json:"positive"`
	Negative string         `json:"negative"`
	Created  string         `json:"created,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Image    *Image         `json:"image_data,omitempty"`
	Checksum string         `json:"checksum"`
}

// Checksum fingerprints the prompt text of a record.
func Checksum(positive, negative string) string {
	sum := md5.Sum([]byte(positive + "|" + negative))
	return hex.EncodeToString(sum[:])
}

// WithChecksum returns a copy of r with Checksum computed from its text.
func (r SourceRecord) WithChecksum() SourceRecord {
	r.Checksum = Checksum(r.Positive, r.Negative)
	return r
}

// Unit is a normalized piece of prompt text ready for classification.
type Unit struct {
	Text     string   `json:"text"`
	Polarity Polarity `json:"polarity"`
	ItemID   string   `json:"item_id"`
	Chunk    int      `json:"chunk"`
}

// Key is the identifier a classifier response uses for this unit.
func (u Unit) Key() string { return UnitKey(u.ItemID, u.Polarity) }

// UnitKey joins an item id and polarity as "<item_id>/<polarity>".
func UnitKey(itemID string, p Polarity) string { return itemID + "/" + string(p) }

// ClassifiedPhrase is a single validated classifier output.
type ClassifiedPhrase struct {
	Text     string   `json:"text"`
	Category Category `json:"category"`
	SourceID string   `json:"source_id"`
	Polarity Polarity `json:"polarity"`
}

// PhraseRecord is the merged, deduplicated form of a phrase.
type PhraseRecord struct {
	Text     string   `json:"text"`
	Category Category `json:"category"`
	Polarity Polarity `json:"polarity"`
	Sources  []string `json:"sources"`
	Count    int      `json:"count"`
}
