package stores

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/listings/errors"
)

func newTestPhotoStore(t *testing.T, maxFileBytes int64) (*LocalPhotoStore, string) {
	root := t.TempDir()
	fs, err := NewLocalPhotoStore(root, maxFileBytes)
	require.Nil(t, err, "creating photo store should have succeeded")
	return fs, root
}

func TestLocalPhotoStore_ListMissingDir(t *testing.T) {
	fs, _ := newTestPhotoStore(t, 0)
	photos, err := fs.List("X1")
	require.Nil(t, err)
	assert.Equal(t, []string{}, photos)
}

func TestLocalPhotoStore_SaveAndList(t *testing.T) {
	fs, root := newTestPhotoStore(t, 0)
	for _, n := range []string{"b.jpg", "a.png"} {
		name, err := fs.Save("X1", n, strings.NewReader("data"))
		require.Nil(t, err)
		assert.Equal(t, n, name)
	}
	// directories are not photos
	require.NoError(t, os.Mkdir(filepath.Join(root, "X1", "nested"), 0o755))

	photos, err := fs.List("X1")
	require.Nil(t, err)
	assert.Equal(t, []string{"a.png", "b.jpg"}, photos)
}

func TestLocalPhotoStore_SaveCollision(t *testing.T) {
	fs, root := newTestPhotoStore(t, 0)
	first, err := fs.Save("X1", "photo.jpg", strings.NewReader("one"))
	require.Nil(t, err)
	second, err := fs.Save("X1", "photo.jpg", strings.NewReader("two"))
	require.Nil(t, err)

	assert.Equal(t, "photo.jpg", first)
	assert.Regexp(t, `^photo_[0-9a-f]{6}\.jpg$`, second)
	b, rerr := os.ReadFile(filepath.Join(root, "X1", first))
	require.NoError(t, rerr)
	assert.Equal(t, "one", string(b), "existing photo should not be overwritten")
}

func TestLocalPhotoStore_SaveOversized(t *testing.T) {
	fs, root := newTestPhotoStore(t, 4)
	_, err := fs.Save("X1", "big.jpg", strings.NewReader("12345"))
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeBadRequest, err.Code)
	_, serr := os.Stat(filepath.Join(root, "X1", "big.jpg"))
	assert.True(t, os.IsNotExist(serr), "oversized photo should be removed")

	name, err := fs.Save("X1", "ok.jpg", strings.NewReader("1234"))
	require.Nil(t, err)
	assert.Equal(t, "ok.jpg", name)
}

func TestLocalPhotoStore_DeleteTraversal(t *testing.T) {
	fs, root := newTestPhotoStore(t, 0)
	_, err := fs.Save("X1", "a.jpg", strings.NewReader("a"))
	require.Nil(t, err)
	_, err = fs.Save("X2", "b.jpg", strings.NewReader("b"))
	require.Nil(t, err)

	tcs := []struct {
		name, id, filename string
	}{
		{name: "ParentDir", id: "X1", filename: "../X2/b.jpg"},
		{name: "ListingDirItself", id: "X1", filename: "."},
		{name: "Empty", id: "X1", filename: ""},
		{name: "BadID", id: "..", filename: "X2/b.jpg"},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			err := fs.Delete(c.id, c.filename)
			require.NotNil(t, err)
			assert.Equal(t, se.ErrCodeBadRequest, err.Code)
		})
	}
	_, serr := os.Stat(filepath.Join(root, "X2", "b.jpg"))
	assert.NoError(t, serr, "photo of another listing should survive")
}

func TestLocalPhotoStore_DeleteIdempotent(t *testing.T) {
	fs, root := newTestPhotoStore(t, 0)
	_, err := fs.Save("X1", "a.jpg", strings.NewReader("a"))
	require.Nil(t, err)

	require.Nil(t, fs.Delete("X1", "a.jpg"))
	require.Nil(t, fs.Delete("X1", "a.jpg"))
	_, serr := os.Stat(filepath.Join(root, "X1", "a.jpg"))
	assert.True(t, os.IsNotExist(serr))
}

func TestLocalPhotoStore_DeleteAll(t *testing.T) {
	fs, root := newTestPhotoStore(t, 0)
	_, err := fs.Save("X1", "a.jpg", strings.NewReader("a"))
	require.Nil(t, err)
	assert.True(t, fs.Exists("X1"))

	require.Nil(t, fs.DeleteAll("X1"))
	require.Nil(t, fs.DeleteAll("X1"), "deleting twice should be a no-op")
	assert.False(t, fs.Exists("X1"))
	_, serr := os.Stat(filepath.Join(root, "X1"))
	assert.True(t, os.IsNotExist(serr))
}

func TestLocalPhotoStore_Open(t *testing.T) {
	fs, root := newTestPhotoStore(t, 0)
	_, err := fs.Save("X1", "a.jpg", strings.NewReader("a"))
	require.Nil(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("s"), 0o644))

	f, info, err := fs.Open("X1", "a.jpg")
	require.Nil(t, err)
	f.Close()
	assert.Equal(t, int64(1), info.Size())

	_, _, err = fs.Open("X1", "missing.jpg")
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeNotFound, err.Code)

	_, _, err = fs.Open("X1", "../secret.txt")
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeForbidden, err.Code)

	require.NoError(t, os.Symlink(filepath.Join(root, "secret.txt"), filepath.Join(root, "X1", "link.jpg")))
	_, _, err = fs.Open("X1", "link.jpg")
	require.NotNil(t, err)
	assert.Equal(t, se.ErrCodeForbidden, err.Code, "symlinks leaving the listing directory are refused")
}

func TestLocalPhotoStore_ThumbnailURL(t *testing.T) {
	fs, _ := newTestPhotoStore(t, 0)
	tcs := []struct {
		name     string
		photos   []string
		expected string
	}{
		{name: "NoPhotos", photos: nil, expected: "/static/logo.jpeg"},
		{name: "Jpeg", photos: []string{"a.JPG", "b.png"}, expected: "/uploads/X1/a.JPG"},
		{name: "Gif", photos: []string{"a.gif"}, expected: "/uploads/X1/a.gif"},
		{name: "Escaped", photos: []string{"my photo.png"}, expected: "/uploads/X1/my%20photo.png"},
		{name: "NotImage", photos: []string{"doc.pdf", "a.jpg"}, expected: "/static/logo.jpeg"},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, fs.ThumbnailURL("X1", c.photos))
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tcs := []struct {
		in, expected string
	}{
		{in: "photo.jpg", expected: "photo.jpg"},
		{in: "My Photo 1.JPG", expected: "My_Photo_1.jpg"},
		{in: "../../etc/passwd", expected: "passwd"},
		{in: `C:\Users\me\pic.png`, expected: "pic.png"},
		{in: "café.webp", expected: "cafe.webp"},
		{in: "фото.jpg", expected: "photo.jpg"},
		{in: ".hidden.png", expected: "hidden.png"},
		{in: ".jpg", expected: "photo.jpg"},
		{in: "", expected: "photo"},
		{in: "a<b>c?.jpeg", expected: "abc.jpeg"},
	}
	for _, c := range tcs {
		t.Run(c.in, func(t *testing.T) {
			assert.Equal(t, c.expected, SanitizeFilename(c.in))
		})
	}
}

func TestAllowedUpload(t *testing.T) {
	assert.True(t, AllowedUpload("a.jpg"))
	assert.True(t, AllowedUpload("a.JPEG"))
	assert.True(t, AllowedUpload("a.webp"))
	assert.False(t, AllowedUpload("a.gif"))
	assert.False(t, AllowedUpload("a.exe"))
	assert.False(t, AllowedUpload("noext"))
}
