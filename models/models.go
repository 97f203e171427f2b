package models

import (
	"strings"
	"time"
)

/*
 Application layer data models.
*/

// Kind classifies a listing
type Kind string

const (
	KindMaterial Kind = "material"
	KindBuy      Kind = "buy"
	KindSell     Kind = "sell"
)

// CreatedLayout formats creation timestamps as ISO-8601 UTC with seconds precision, so that plain string
// comparison orders listings chronologically
const CreatedLayout = "2006-01-02T15:04:05+00:00"

// PhotoSep joins photo filenames in the flat listings file
const PhotoSep = ";"

// Listing is one classified card
type Listing struct {
	ID          string
	CreatedUTC  string
	Kind        Kind
	Title       string
	Price       string
	Phone       string
	Description string
	// Photos holds filenames in the listing's photo directory, in listing order
	Photos   []string
	Password string
}

// Protected reports whether visitors need a password to see the listing's contact details and photos
func (l *Listing) Protected() bool {
	return strings.TrimSpace(l.Password) != ""
}

// FormatCreated renders t the way CreatedUTC is stored
func FormatCreated(t time.Time) string {
	return t.UTC().Format(CreatedLayout)
}

// JoinPhotos renders photo filenames the way they are stored on disk
func JoinPhotos(photos []string) string {
	return strings.Join(photos, PhotoSep)
}

// SplitPhotos parses the stored photo field, dropping empty entries
func SplitPhotos(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	photos := []string{}
	for _, p := range strings.Split(raw, PhotoSep) {
		if p != "" {
			photos = append(photos, p)
		}
	}
	return photos
}

// PublicKind normalizes kind for the visitor feed: missing or unrecognized kinds read as material
func PublicKind(raw string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindMaterial, KindBuy, KindSell:
		return k
	default:
		return KindMaterial
	}
}

// AdminKind normalizes kind for the admin index and the thanks page: anything but buy or sell reads as sell
// NOTE this differs from PublicKind; kept as is until product decides which default is intended
func AdminKind(raw string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindBuy, KindSell:
		return k
	default:
		return KindSell
	}
}

// ListingView vends necessary listing data for rendering web pages
type ListingView struct {
	Listing
	ThumbURL  string
	PhotoURLs []string
	Unlocked  bool
}

// ThanksView vends data for the post-submission confirmation page
type ThanksView struct {
	ID        string
	Kind      Kind
	Photos    []string
	PhotoURLs []string
}
