package storage

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/jo-hoe/meshforge/internal/common"
)

// Uploader handles storing temporary uploads and preview thumbnails on disk.
type Uploader struct {
	uploadsDir  string
	previewsDir string
}

var allowedImageMimes = map[string]string{
	common.MimeImagePNG:  ".png",
	common.MimeImageJPEG: ".jpg",
	common.MimeImageJPG:  ".jpg",
	common.MimeImageWebP: ".webp",
}

const previewMaxEdge = 256

// Upload is one validated, locally stored source image awaiting processing.
type Upload struct {
	Path        string // stored original
	PreviewPath string // thumbnail for UI listing; empty when generation failed
	MimeType    string
	Data        []byte // the original bytes, kept for the gateway payload
}

// DataURL encodes the upload as a base64 data URL, the input format the
// inference models expect.
func (u Upload) DataURL() string {
	return "data:" + u.MimeType + ";base64," + base64.StdEncoding.EncodeToString(u.Data)
}

// NewUploader creates an uploader that stores under baseDir.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{
		uploadsDir:  filepath.Join(baseDir, common.UploadsDirName),
		previewsDir: filepath.Join(baseDir, common.PreviewsDirName),
	}
}

// SaveMultipartImage validates and stores an uploaded image to disk and
// renders a preview thumbnail next to it. It returns the upload and a
// cleanup function deleting both files; the caller must always invoke the
// cleanup function once the batch no longer needs them.
func (u *Uploader) SaveMultipartImage(fileHeader *multipart.FileHeader, id string, maxBytes int64) (Upload, func() error, error) {
	if fileHeader == nil {
		return Upload{}, nil, fmt.Errorf("no file provided")
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), "application/octet-stream") {
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		mimeType = mime.TypeByExtension(ext)
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	ext, ok := allowedImageMimes[mimeType]
	if !ok {
		return Upload{}, nil, fmt.Errorf("unsupported content type: %s", mimeType)
	}

	if err := os.MkdirAll(u.uploadsDir, 0o755); err != nil {
		return Upload{}, nil, fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return Upload{}, nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(io.LimitReader(src, maxBytes))
	if err != nil {
		return Upload{}, nil, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return Upload{}, nil, fmt.Errorf("uploaded file is empty")
	}

	dstPath := filepath.Join(u.uploadsDir, id+ext)
	if err := os.WriteFile(dstPath, data, 0o644); err != nil {
		return Upload{}, nil, fmt.Errorf("write upload: %w", err)
	}

	// Preview generation is best-effort; a corrupt but well-typed image
	// still proceeds to the gateway, which performs its own validation.
	previewPath := u.renderPreview(id, data)

	up := Upload{
		Path:        dstPath,
		PreviewPath: previewPath,
		MimeType:    mimeType,
		Data:        data,
	}
	cleanup := func() error {
		err := os.Remove(dstPath)
		if previewPath != "" {
			if perr := os.Remove(previewPath); err == nil {
				err = perr
			}
		}
		return err
	}
	return up, cleanup, nil
}

func (u *Uploader) renderPreview(id string, data []byte) string {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return ""
	}
	if err := os.MkdirAll(u.previewsDir, 0o755); err != nil {
		return ""
	}
	thumb := imaging.Fit(img, previewMaxEdge, previewMaxEdge, imaging.Lanczos)
	previewPath := filepath.Join(u.previewsDir, id+".jpg")
	if err := imaging.Save(thumb, previewPath, imaging.JPEGQuality(80)); err != nil {
		return ""
	}
	return previewPath
}
