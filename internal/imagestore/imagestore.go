// Package imagestore persists generated images so work items never point at
// an expiring vendor URL.
package imagestore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"hempdb/imagegen/models"
)

// Uploader stores image bytes under key and returns the durable location.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// maxImageBytes bounds vendor downloads.
const maxImageBytes = 20 << 20

// ObjectKey is the storage key of a generated image:
// <kind>/<subject>/<provider>-<id><ext>.
func ObjectKey(subject models.SubjectKey, provider string, id uuid.UUID, contentType string) string {
	return path.Join(string(subject.Kind), sanitize(subject.ID), fmt.Sprintf("%s-%s%s", provider, id, Extension(contentType)))
}

// Extension maps an image content type to a file extension.
func Extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ".png"
}

// Fetch downloads an image from a vendor URL.
func Fetch(ctx context.Context, client *http.Client, imageURL string) ([]byte, string, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "-").Replace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
