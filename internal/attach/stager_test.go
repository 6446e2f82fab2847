package attach

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestStageImageWritesThumbnail(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "diagram.png")
	writePNG(t, src, 1024, 512)

	s, err := NewStager(filepath.Join(dir, "staging"), nil)
	require.NoError(t, err)

	st, err := s.Stage(src)
	require.NoError(t, err)
	assert.Equal(t, chat.AttachmentImage, st.Attachment.Kind)
	assert.Equal(t, "diagram.png", st.Attachment.Name)
	assert.Equal(t, "image/png", st.Attachment.MimeType)
	require.NotEmpty(t, st.Attachment.PreviewRef)

	f, err := os.Open(st.Attachment.PreviewRef)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, ThumbnailSize, cfg.Width)
	assert.Equal(t, ThumbnailSize/2, cfg.Height)

	s.Release(st)
	_, err = os.Stat(st.Attachment.PreviewRef)
	assert.True(t, os.IsNotExist(err))
	s.Release(st)
}

func TestReleasePreviewStaysInStagingDir(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "keep.png")
	writePNG(t, outside, 10, 10)

	s, err := NewStager(filepath.Join(dir, "staging"), nil)
	require.NoError(t, err)
	st, err := s.Stage(outside)
	require.NoError(t, err)

	s.ReleasePreview(outside)
	assert.FileExists(t, outside)

	s.ReleasePreview(st.Attachment.PreviewRef)
	assert.NoFileExists(t, st.Attachment.PreviewRef)
}

func TestStageFileHasNoPreview(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "syllabus.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4 test"), 0o600))

	s, err := NewStager(filepath.Join(dir, "staging"), nil)
	require.NoError(t, err)

	st, err := s.Stage(src)
	require.NoError(t, err)
	assert.Equal(t, chat.AttachmentFile, st.Attachment.Kind)
	assert.Equal(t, "syllabus.pdf", st.Attachment.Name)
	assert.Empty(t, st.Attachment.PreviewRef)
	assert.Equal(t, int64(13), st.Attachment.Size)
	assert.Equal(t, src, st.Source)
}

// A file with an image extension that does not decode must still be attachable.
func TestStageCorruptImageFallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(src, []byte("not a png"), 0o600))

	s, err := NewStager(filepath.Join(dir, "staging"), nil)
	require.NoError(t, err)

	st, err := s.Stage(src)
	require.NoError(t, err)
	assert.Equal(t, chat.AttachmentFile, st.Attachment.Kind)
	assert.Empty(t, st.Attachment.PreviewRef)
}

func TestStageRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStager(filepath.Join(dir, "staging"), nil)
	require.NoError(t, err)

	_, err = s.Stage(dir)
	assert.True(t, chat.IsValidation(err))

	_, err = s.Stage(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}

func TestThumbnailKeepsSmallImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 40, 30))
	out := Thumbnail(src, ThumbnailSize)
	assert.Equal(t, 40, out.Bounds().Dx())
	assert.Equal(t, 30, out.Bounds().Dy())

	tall := image.NewRGBA(image.Rect(0, 0, 10, 1000))
	out = Thumbnail(tall, 100)
	assert.Equal(t, 1, out.Bounds().Dx())
	assert.Equal(t, 100, out.Bounds().Dy())
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectType("notes.PDF", nil))
	assert.Equal(t, "text/plain", DetectType("README", []byte("hello world")))
}

func TestSweepRemovesLeftoverPreviews(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	writePNG(t, src, 32, 32)
	staging := filepath.Join(dir, "staging")

	s, err := NewStager(staging, nil)
	require.NoError(t, err)
	_, err = s.Stage(src)
	require.NoError(t, err)
	_, err = s.Stage(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staging, "notes.txt"), []byte("x"), 0o600))

	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	left, err := os.ReadDir(staging)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "notes.txt", left[0].Name())
}
