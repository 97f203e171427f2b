// Package services assembles listing views and carries out admin operations on top of the record and photo
// stores.
package services

import (
	"sort"
	"strings"

	"wuyrush.io/listings/common/logging"
	cst "wuyrush.io/listings/constants"
	se "wuyrush.io/listings/errors"
	md "wuyrush.io/listings/models"
	st "wuyrush.io/listings/stores"
)

// DefaultAdminLimit caps the admin index
const DefaultAdminLimit = 500

// Feed vends the read-only views of listings
type Feed struct {
	Records st.RecordStore
	Photos  st.PhotoStore
}

// List returns the visitor feed, newest first and truncated to limit; a negative limit means no limit.
// unlocked is the set of listing ids the visitor unlocked in their session.
func (f *Feed) List(limit int, unlocked map[string]bool) ([]md.ListingView, *se.Err) {
	ls, err := f.Records.ReadAll()
	if err != nil {
		return nil, err
	}
	views := make([]md.ListingView, 0, len(ls))
	for _, l := range ls {
		v := f.view(l, md.PublicKind(string(l.Kind)), l.Photos)
		v.Unlocked = unlocked[v.ID]
		views = append(views, v)
	}
	return newestFirst(views, limit), nil
}

// AdminList returns the admin index, newest first and truncated to limit. Listings whose stored photo field
// is empty show what their photo directory holds.
func (f *Feed) AdminList(limit int) ([]md.ListingView, *se.Err) {
	ls, err := f.Records.ReadAll()
	if err != nil {
		return nil, err
	}
	views := make([]md.ListingView, 0, len(ls))
	for _, l := range ls {
		photos := l.Photos
		if len(photos) == 0 {
			if photos, err = f.Photos.List(strings.TrimSpace(l.ID)); err != nil {
				logging.WithFuncName().WithError(err).WithField(cst.LogFieldListingID, l.ID).
					Warn("error listing photo directory")
				photos = []string{}
			}
		}
		v := f.view(l, md.AdminKind(string(l.Kind)), photos)
		v.Unlocked = true
		views = append(views, v)
	}
	return newestFirst(views, limit), nil
}

// Thanks returns the confirmation view of listing id. Unknown ids still get a view so that the page can
// be shown right after a submission whatever state the store is in.
func (f *Feed) Thanks(id string) (*md.ThanksView, *se.Err) {
	ls, err := f.Records.ReadAll()
	if err != nil {
		return nil, err
	}
	kind := md.AdminKind("")
	if l := st.Find(ls, id); l != nil {
		kind = md.AdminKind(string(l.Kind))
	}
	photos, err := f.Photos.List(id)
	if err != nil {
		return nil, err
	}
	tv := &md.ThanksView{ID: id, Kind: kind, Photos: photos, PhotoURLs: make([]string, 0, len(photos))}
	for _, p := range photos {
		tv.PhotoURLs = append(tv.PhotoURLs, f.Photos.PhotoURL(id, p))
	}
	return tv, nil
}

func (f *Feed) view(l *md.Listing, kind md.Kind, photos []string) md.ListingView {
	id := strings.TrimSpace(l.ID)
	v := md.ListingView{
		Listing: md.Listing{
			ID:          id,
			CreatedUTC:  strings.TrimSpace(l.CreatedUTC),
			Kind:        kind,
			Title:       strings.TrimSpace(l.Title),
			Price:       strings.TrimSpace(l.Price),
			Phone:       strings.TrimSpace(l.Phone),
			Description: strings.TrimSpace(l.Description),
			Photos:      photos,
			Password:    strings.TrimSpace(l.Password),
		},
		ThumbURL:  f.Photos.ThumbnailURL(id, photos),
		PhotoURLs: make([]string, 0, len(photos)),
	}
	for _, p := range photos {
		v.PhotoURLs = append(v.PhotoURLs, f.Photos.PhotoURL(id, p))
	}
	return v
}

// created_utc is ISO-8601 in UTC, so string order is chronological order
func newestFirst(views []md.ListingView, limit int) []md.ListingView {
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedUTC > views[j].CreatedUTC
	})
	if limit >= 0 && len(views) > limit {
		views = views[:limit]
	}
	return views
}
