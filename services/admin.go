package services

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/listings/common/logging"
	rt "wuyrush.io/listings/common/retry"
	cst "wuyrush.io/listings/constants"
	se "wuyrush.io/listings/errors"
	md "wuyrush.io/listings/models"
	st "wuyrush.io/listings/stores"
)

const idAttempts = 5

// Upload is one photo submitted by the admin
type Upload struct {
	Filename string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// UploadsFromForm converts multipart file headers to uploads, dropping parts without filename
func UploadsFromForm(fhs []*multipart.FileHeader) []Upload {
	ups := make([]Upload, 0, len(fhs))
	for _, fh := range fhs {
		if fh == nil || strings.TrimSpace(fh.Filename) == "" {
			continue
		}
		fh := fh
		ups = append(ups, Upload{
			Filename: fh.Filename,
			Size:     fh.Size,
			Open:     func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return ups
}

// Limits caps photo uploads. Non-positive values mean no cap
type Limits struct {
	MaxFiles     int
	MaxFileBytes int64
}

// Check validates a whole batch of uploads before any of them is stored; a batch over the file count cap is
// rejected as a whole
func (lim Limits) Check(ups []Upload) *se.Err {
	if lim.MaxFiles > 0 && len(ups) > lim.MaxFiles {
		return se.NewBadInput(fmt.Sprintf("too many files: at most %d photos per request", lim.MaxFiles))
	}
	for _, u := range ups {
		if !st.AllowedUpload(u.Filename) {
			return se.NewBadInput(fmt.Sprintf("file type not allowed: %s", u.Filename))
		}
		if lim.MaxFileBytes > 0 && u.Size > lim.MaxFileBytes {
			return se.NewBadInput(fmt.Sprintf("file too large: %s", u.Filename))
		}
	}
	return nil
}

// ListingForm carries the admin-editable text fields of a listing
type ListingForm struct {
	Title       string
	Price       string
	Description string
	Password    string
}

// newlines reads browser textarea line breaks the way the listings file gives them back
var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

func (f ListingForm) trimmed() ListingForm {
	clean := func(v string) string { return strings.TrimSpace(newlines.Replace(v)) }
	return ListingForm{
		Title:       clean(f.Title),
		Price:       clean(f.Price),
		Description: clean(f.Description),
		Password:    clean(f.Password),
	}
}

// Admin carries out listing mutations on behalf of the administrator
type Admin struct {
	Records st.RecordStore
	Photos  st.PhotoStore
	Limits  Limits
	Now     func() time.Time
	NewID   func() (string, error)
}

// NewAdmin returns an Admin using the wall clock and random listing ids
func NewAdmin(rs st.RecordStore, ps st.PhotoStore, lim Limits) *Admin {
	return &Admin{Records: rs, Photos: ps, Limits: lim, Now: time.Now, NewID: NewListingID}
}

// NewListingID returns 10 uppercase hex characters of fresh randomness
func NewListingID() (string, error) {
	k, err := ksuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(k.Payload()[:5])), nil
}

// Create stores a new listing with its photos and returns its id. Photos are stored first so that the record
// carries their final names.
func (a *Admin) Create(form ListingForm, ups []Upload) (string, *se.Err) {
	clog := logging.WithFuncName()
	if err := a.Limits.Check(ups); err != nil {
		return "", err
	}
	id, err := a.uniqueID()
	if err != nil {
		return "", err
	}
	clog = clog.WithField(cst.LogFieldListingID, id)
	photos, err := a.savePhotos(id, ups)
	if err != nil {
		a.cleanup(clog, id)
		return "", err
	}
	form = form.trimmed()
	l := &md.Listing{
		ID:          id,
		CreatedUTC:  md.FormatCreated(a.Now()),
		Kind:        md.KindMaterial,
		Title:       form.Title,
		Price:       form.Price,
		Description: form.Description,
		Photos:      photos,
		Password:    form.Password,
	}
	if err := a.Records.AppendOne(l); err != nil {
		a.cleanup(clog, id)
		return "", err
	}
	clog.WithField("photos", len(photos)).Info("listing created")
	return id, nil
}

// Edit returns listing id along with the photos its directory actually holds
func (a *Admin) Edit(id string) (*md.Listing, []string, *se.Err) {
	l, err := a.Records.FindByID(id)
	if err != nil {
		return nil, nil, err
	}
	photos, err := a.Photos.List(strings.TrimSpace(id))
	if err != nil {
		return nil, nil, err
	}
	return l, photos, nil
}

// Save overwrites the text fields of listing id and resyncs its photos from disk
func (a *Admin) Save(id string, form ListingForm) *se.Err {
	form = form.trimmed()
	return a.Records.Update(func(ls []*md.Listing) ([]*md.Listing, *se.Err) {
		l := st.Find(ls, id)
		if l == nil {
			return nil, se.NewNotFound("listing not found")
		}
		if strings.TrimSpace(string(l.Kind)) == "" {
			l.Kind = md.KindMaterial
		}
		l.Title, l.Price, l.Description, l.Password = form.Title, form.Price, form.Description, form.Password
		photos, err := a.Photos.List(strings.TrimSpace(id))
		if err != nil {
			return nil, err
		}
		l.Photos = photos
		return ls, nil
	})
}

// Upload adds photos to listing id and returns how many were stored
func (a *Admin) Upload(id string, ups []Upload) (int, *se.Err) {
	id = strings.TrimSpace(id)
	if len(ups) == 0 {
		return 0, nil
	}
	if _, err := a.Records.FindByID(id); err != nil {
		return 0, err
	}
	if err := a.Limits.Check(ups); err != nil {
		return 0, err
	}
	saved, err := a.savePhotos(id, ups)
	if rerr := a.resync(id); rerr != nil && err == nil {
		err = rerr
	}
	return len(saved), err
}

// DeletePhoto removes one photo of listing id and resyncs the listing's photos if the listing exists
func (a *Admin) DeletePhoto(id, filename string) *se.Err {
	id = strings.TrimSpace(id)
	if err := a.Photos.Delete(id, filename); err != nil {
		return err
	}
	return a.resync(id)
}

// Delete removes listing id and its photo directory. Deleting an unknown listing is a no-op
func (a *Admin) Delete(id string) *se.Err {
	id = strings.TrimSpace(id)
	err := a.Records.Update(func(ls []*md.Listing) ([]*md.Listing, *se.Err) {
		kept := make([]*md.Listing, 0, len(ls))
		for _, l := range ls {
			if strings.TrimSpace(l.ID) != id {
				kept = append(kept, l)
			}
		}
		if len(kept) == len(ls) {
			return nil, nil
		}
		return kept, nil
	})
	if err != nil {
		return err
	}
	if err := a.Photos.DeleteAll(id); err != nil {
		return err
	}
	logging.WithFuncName().WithField(cst.LogFieldListingID, id).Info("listing deleted")
	return nil
}

func (a *Admin) Export(w io.Writer) *se.Err {
	return a.Records.Export(w)
}

func (a *Admin) resync(id string) *se.Err {
	return a.Records.Update(func(ls []*md.Listing) ([]*md.Listing, *se.Err) {
		l := st.Find(ls, id)
		if l == nil {
			return nil, nil
		}
		photos, err := a.Photos.List(id)
		if err != nil {
			return nil, err
		}
		l.Photos = photos
		return ls, nil
	})
}

// savePhotos stores ups in order and returns the names they were stored as. It stops at the first failure
func (a *Admin) savePhotos(id string, ups []Upload) ([]string, *se.Err) {
	names := make([]string, 0, len(ups))
	for _, u := range ups {
		flog := logging.WithFuncName().WithFields(log.Fields{
			cst.LogFieldListingID: id,
			cst.LogFieldFilename:  u.Filename,
		})
		rc, err := u.Open()
		if err != nil {
			flog.WithError(err).Error("error opening uploaded photo")
			return names, se.NewServiceFailure("error reading uploaded photo").WithCause(err)
		}
		name, serr := a.Photos.Save(id, u.Filename, rc)
		rc.Close()
		if serr != nil {
			flog.WithError(serr).Error("error saving uploaded photo")
			return names, serr
		}
		names = append(names, name)
	}
	return names, nil
}

var errIDTaken = errors.New("listing id taken")

func (a *Admin) uniqueID() (string, *se.Err) {
	ls, err := a.Records.ReadAll()
	if err != nil {
		return "", err
	}
	var id string
	gerr := rt.Retry(func() error {
		var err error
		if id, err = a.NewID(); err != nil {
			return err
		}
		if st.Find(ls, id) != nil || a.Photos.Exists(id) {
			return errIDTaken
		}
		return nil
	},
		rt.WithMaxAttempts(idAttempts-1),
		rt.WithRetryOn(func(err error) bool { return errors.Is(err, errIDTaken) }),
	)
	if gerr != nil {
		logging.WithFuncName().WithError(gerr).Error("fail to generate listing id")
		return "", se.NewServiceFailure("error generating listing id").WithCause(gerr)
	}
	return id, nil
}

func (a *Admin) cleanup(clog *log.Entry, id string) {
	if err := a.Photos.DeleteAll(id); err != nil {
		clog.WithError(err).Error("error cleaning up photos of failed listing")
	}
}
