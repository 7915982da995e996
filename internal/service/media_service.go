package service

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-runtime/internal/config"
)

// Sentinel errors for answer image uploads.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
)

// Allowed image types, detected from content.
var allowedMIMETypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// MediaService stores answer images uploaded during an attempt.
type MediaService struct {
	dir      string
	maxBytes int64
}

// NewMediaService creates a new MediaService.
func NewMediaService(cfg *config.Config) *MediaService {
	return &MediaService{dir: cfg.UploadDir, maxBytes: cfg.MaxUploadBytes}
}

// SaveAnswerImage stores an image under the exam's upload folder and returns
// its public URL path.
func (s *MediaService) SaveAnswerImage(examID, questionID string, file multipart.File, header *multipart.FileHeader) (string, error) {
	if header.Size > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, header.Size, s.maxBytes)
	}

	// Clients commonly send application/octet-stream, so sniff the content.
	br := bufio.NewReader(file)
	head, _ := br.Peek(512)
	contentType := http.DetectContentType(head)
	ext, ok := allowedMIMETypes[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %s (allowed: %s)",
			ErrUnsupportedFileType, contentType, strings.Join(allowedTypes(), ", "))
	}

	examDir := filepath.Join(s.dir, safeSegment(examID))
	if err := os.MkdirAll(examDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	filename := safeSegment(questionID) + "-" + uuid.New().String() + ext
	dst, err := os.Create(filepath.Join(examDir, filename))
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(br, s.maxBytes+1)); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return "/uploads/" + safeSegment(examID) + "/" + filename, nil
}

// safeSegment keeps a path segment free of separators and traversal.
func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

func allowedTypes() []string {
	types := make([]string, 0, len(allowedMIMETypes))
	for t := range allowedMIMETypes {
		types = append(types, t)
	}
	return types
}
