package stores

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"wuyrush.io/listings/common/logging"
	cst "wuyrush.io/listings/constants"
	se "wuyrush.io/listings/errors"
)

var (
	// extensions accepted from uploads
	uploadExts = map[string]struct{}{"jpg": {}, "jpeg": {}, "png": {}, "webp": {}}
	// extensions eligible as feed thumbnails
	thumbExts = map[string]struct{}{"jpg": {}, "jpeg": {}, "png": {}, "webp": {}, "gif": {}}
)

// PhotoStore stores the photos of listings, one directory per listing
type PhotoStore interface {
	// List returns the names of regular files in the listing's directory, sorted
	List(id string) ([]string, *se.Err)
	// Save stores the content of r under a sanitized, collision-free version of filename and returns the
	// name it was stored as
	Save(id, filename string, r io.Reader) (string, *se.Err)
	Open(id, filename string) (*os.File, os.FileInfo, *se.Err)
	// Delete deletes a listing photo. Delete must be idempotent
	Delete(id, filename string) *se.Err
	// DeleteAll deletes the listing's directory. DeleteAll must be idempotent
	DeleteAll(id string) *se.Err
	Exists(id string) bool
	ThumbnailURL(id string, photos []string) string
	PhotoURL(id, filename string) string
	Close() *se.Err
}

// LocalPhotoStore implements PhotoStore backed by local file system
type LocalPhotoStore struct {
	root         string
	maxFileBytes int64
}

// NewLocalPhotoStore returns a store rooted at root. Photos larger than maxFileBytes are rejected on Save;
// a non-positive maxFileBytes means no limit
func NewLocalPhotoStore(root string, maxFileBytes int64) (*LocalPhotoStore, *se.Err) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, se.NewServiceFailure("error resolving uploads directory").WithCause(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, se.NewServiceFailure("error creating uploads directory").WithCause(err)
	}
	return &LocalPhotoStore{root: abs, maxFileBytes: maxFileBytes}, nil
}

func (fs *LocalPhotoStore) List(id string) ([]string, *se.Err) {
	dir, ok := fs.dir(id)
	if !ok {
		return []string{}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, se.NewServiceFailure("error listing photos").WithCause(err)
	}
	// os.ReadDir sorts by filename
	names := []string{}
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (fs *LocalPhotoStore) Save(id, filename string, r io.Reader) (string, *se.Err) {
	clog := logging.WithFuncName().WithField(cst.LogFieldListingID, id)
	dir, ok := fs.dir(id)
	if !ok {
		return "", se.NewBadInput("invalid listing id")
	}
	// 1. prepare file to host data
	const errMsg = "error allocating photo storage space"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", se.NewServiceFailure(errMsg).WithCause(err)
	}
	name := SanitizeFilename(filename)
	if _, err := os.Lstat(filepath.Join(dir, name)); err == nil {
		name = withSuffix(name, strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	}
	target := filepath.Join(dir, name)
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		clog.WithError(err).WithField(cst.LogFieldFilename, name).Error("error creating photo file")
		return "", se.NewServiceFailure(errMsg).WithCause(err)
	}
	// 2. pipe data to file, reading one byte past the limit to detect oversized photos
	src := r
	if fs.maxFileBytes > 0 {
		src = io.LimitReader(r, fs.maxFileBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return "", se.NewServiceFailure("error saving photo data").WithCause(err)
	}
	if fs.maxFileBytes > 0 && n > fs.maxFileBytes {
		os.Remove(target)
		return "", se.NewBadInput("photo oversized")
	}
	return name, nil
}

func (fs *LocalPhotoStore) Open(id, filename string) (*os.File, os.FileInfo, *se.Err) {
	p, ok := fs.resolve(id, filename)
	if !ok {
		return nil, nil, se.NewForbidden("photo path outside listing directory")
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, se.NewNotFound("photo not found").WithCause(err)
		}
		return nil, nil, se.NewServiceFailure("error retrieving photo").WithCause(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, se.NewServiceFailure("error retrieving photo").WithCause(err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, se.NewNotFound("photo not found")
	}
	return f, info, nil
}

func (fs *LocalPhotoStore) Delete(id, filename string) *se.Err {
	p, ok := fs.resolve(id, filename)
	if !ok {
		return se.NewBadInput("photo path outside listing directory")
	}
	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return se.NewServiceFailure("error removing photo").WithCause(err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return se.NewServiceFailure("error removing photo").WithCause(err)
	}
	return nil
}

func (fs *LocalPhotoStore) DeleteAll(id string) *se.Err {
	dir, ok := fs.dir(id)
	if !ok {
		return se.NewBadInput("invalid listing id")
	}
	if err := os.RemoveAll(dir); err != nil {
		return se.NewServiceFailure("error removing listing photos").WithCause(err)
	}
	return nil
}

func (fs *LocalPhotoStore) Exists(id string) bool {
	dir, ok := fs.dir(id)
	if !ok {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func (fs *LocalPhotoStore) ThumbnailURL(id string, photos []string) string {
	if len(photos) > 0 {
		if _, ok := thumbExts[ext(photos[0])]; ok {
			return fs.PhotoURL(id, photos[0])
		}
	}
	return cst.PlaceholderThumb
}

func (fs *LocalPhotoStore) PhotoURL(id, filename string) string {
	return "/uploads/" + url.PathEscape(id) + "/" + url.PathEscape(filename)
}

func (fs *LocalPhotoStore) Close() *se.Err {
	return nil
}

// dir returns the directory of listing id; ids which are not a single path element are rejected
func (fs *LocalPhotoStore) dir(id string) (string, bool) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return "", false
	}
	return filepath.Join(fs.root, id), true
}

// resolve returns the canonical path of a photo, which must be strictly inside the listing's directory
func (fs *LocalPhotoStore) resolve(id, filename string) (string, bool) {
	dir, ok := fs.dir(id)
	if !ok || filename == "" {
		return "", false
	}
	p := filepath.Join(dir, filename)
	if !within(dir, p) {
		return "", false
	}
	// follow symlinks if the photo exists so that a link cannot point outside the directory
	if rp, err := filepath.EvalSymlinks(p); err == nil {
		rdir, err := filepath.EvalSymlinks(dir)
		if err != nil || !within(rdir, rp) {
			return "", false
		}
	}
	return p, true
}

func within(dir, p string) bool {
	return strings.HasPrefix(p, dir+string(filepath.Separator)) && len(p) > len(dir)+1
}

// AllowedUpload reports whether filename carries an extension accepted for photo uploads
func AllowedUpload(filename string) bool {
	_, ok := uploadExts[ext(filename)]
	return ok
}

func ext(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// SanitizeFilename turns a client-supplied filename into a safe single path element: accents are folded to
// ASCII, whitespace becomes underscores and every other character outside [A-Za-z0-9._-] is dropped. The
// extension is lowercased; an empty stem becomes "photo".
func SanitizeFilename(filename string) string {
	base := filename
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	stem, extension := base, ""
	if i := strings.LastIndex(base, "."); i >= 0 {
		stem, extension = base[:i], strings.ToLower(base[i+1:])
	}
	stem, extension = sanitizePart(stem), sanitizePart(extension)
	if stem == "" {
		stem = "photo"
	}
	if extension == "" {
		return stem
	}
	return stem + "." + extension
}

var foldAccents = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func sanitizePart(s string) string {
	folded, _, err := transform.String(foldAccents, s)
	if err != nil {
		folded = s
	}
	joined := strings.Join(strings.Fields(folded), "_")
	var b strings.Builder
	for _, r := range joined {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}

func withSuffix(name, suffix string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i] + "_" + suffix + name[i:]
	}
	return name + "_" + suffix
}
