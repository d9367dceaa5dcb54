package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casewatch/casewatch/internal/blob"
	goredis "github.com/redis/go-redis/v9"
)

const blobKeyPrefix = "casewatch:blob:"

var _ blob.Store = (*RedisBlobStore)(nil)

// RedisBlobStore keeps session directory archives as plain Redis values.
// Archives are a few kilobytes, written once per session change, so a
// value per name is sufficient.
type RedisBlobStore struct {
	client *goredis.Client
}

func NewRedisBlobStore(client *goredis.Client) (*RedisBlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisBlobStore{client: client}, nil
}

func (s *RedisBlobStore) Upload(ctx context.Context, name string, localDir string) error {
	key, err := blobKey(name)
	if err != nil {
		return err
	}

	data, err := blob.ArchiveDir(localDir)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to upload blob %q: %w", name, err)
	}
	return nil
}

func (s *RedisBlobStore) Download(ctx context.Context, name string, localDir string) error {
	key, err := blobKey(name)
	if err != nil {
		return err
	}

	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return blob.ErrAbsent
	}
	if err != nil {
		return fmt.Errorf("failed to download blob %q: %w", name, err)
	}

	return blob.ExtractDir(data, localDir)
}

func blobKey(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("blob name is required")
	}
	return blobKeyPrefix + trimmed, nil
}
