package imagestore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	supa "github.com/supabase-community/supabase-go"
)

// Bucket uploads to a public Supabase Storage bucket.
type Bucket struct {
	storage *storage_go.Client
	baseURL string
	bucket  string
}

func NewBucket(client *supa.Client, supabaseURL, bucket string) (*Bucket, error) {
	if client == nil || client.Storage == nil {
		return nil, fmt.Errorf("supabase storage client is not initialized")
	}
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket name is empty")
	}
	return &Bucket{
		storage: client.Storage,
		baseURL: strings.TrimRight(supabaseURL, "/"),
		bucket:  bucket,
	}, nil
}

func (b *Bucket) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	upsert := true
	_, err := b.storage.UploadFile(b.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s to bucket %s: %w", key, b.bucket, err)
	}
	return b.PublicURL(key), nil
}

// PublicURL is the unauthenticated URL of an object in the bucket.
func (b *Bucket) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.baseURL, b.bucket, strings.TrimLeft(key, "/"))
}
