// Package attach stages local files for sending: it sniffs the type, renders a
// thumbnail for images and keeps the preview until the message is sent.
package attach

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// ThumbnailSize is the longest edge of a generated preview, in pixels.
const ThumbnailSize = 256

// sniffLen is how much of a file http.DetectContentType looks at.
const sniffLen = 512

// Staged is a file accepted for the next send.
type Staged struct {
	Attachment chat.Attachment
	// Source is the original file, read again at upload time.
	Source string
}

// Stager turns local paths into Staged attachments. Image previews are written
// under dir; file attachments carry only their name.
type Stager struct {
	dir    string
	logger *zap.Logger
}

// NewStager creates a Stager writing previews into dir.
func NewStager(dir string, logger *zap.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{dir: dir, logger: logger}, nil
}

// Stage inspects path and returns the attachment to add to the draft. Images
// that cannot be decoded are staged as plain files.
func (s *Stager) Stage(path string) (Staged, error) {
	f, err := os.Open(path)
	if err != nil {
		return Staged{}, fmt.Errorf("opening attachment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Staged{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return Staged{}, chat.NewValidationError("attachment is a directory", "path")
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Staged{}, fmt.Errorf("reading attachment: %w", err)
	}
	mimeType := DetectType(filepath.Base(path), head[:n])

	staged := Staged{
		Source: path,
		Attachment: chat.Attachment{
			Kind:     chat.AttachmentFile,
			Name:     filepath.Base(path),
			MimeType: mimeType,
			Size:     info.Size(),
		},
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return staged, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Staged{}, fmt.Errorf("rewinding attachment: %w", err)
	}
	ref, err := s.writePreview(f)
	if err != nil {
		s.logger.Warn("image preview failed, staging as file",
			zap.String("path", path), zap.Error(err))
		return staged, nil
	}
	staged.Attachment.Kind = chat.AttachmentImage
	staged.Attachment.PreviewRef = ref
	return staged, nil
}

func (s *Stager) writePreview(r io.Reader) (string, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}
	thumb := Thumbnail(src, ThumbnailSize)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("encoding preview: %w", err)
	}
	ref := filepath.Join(s.dir, uuid.NewString()+".png")
	if err := os.WriteFile(ref, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("writing preview: %w", err)
	}
	return ref, nil
}

// Release removes the preview of a staged attachment. Safe to call twice.
func (s *Stager) Release(st Staged) {
	s.ReleasePreview(st.Attachment.PreviewRef)
}

// ReleasePreview removes a preview by reference. Refs outside the staging
// directory are ignored.
func (s *Stager) ReleasePreview(ref string) {
	if ref == "" || filepath.Dir(ref) != filepath.Clean(s.dir) {
		return
	}
	if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing preview", zap.String("ref", ref), zap.Error(err))
	}
}

// Sweep removes previews left behind by an earlier run. Only call it before
// anything is staged.
func (s *Stager) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".png" {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DetectType picks a MIME type from the file extension, falling back to content
// sniffing.
func DetectType(name string, head []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		base, _, _ := strings.Cut(t, ";")
		return strings.TrimSpace(base)
	}
	t := http.DetectContentType(head)
	base, _, _ := strings.Cut(t, ";")
	return strings.TrimSpace(base)
}

// Thumbnail scales src so its longest edge is at most edge pixels. Smaller images
// are copied unscaled.
func Thumbnail(src image.Image, edge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= edge && h <= edge {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}
	if w >= h {
		h = max(1, h*edge/w)
		w = edge
	} else {
		w = max(1, w*edge/h)
		h = edge
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
