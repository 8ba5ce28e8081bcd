package stats

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/voxnote/bot/internal/client"
)

// Backend holds the durable copy of the stats document. Load returns
// (nil, nil) when nothing has been written yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	String() string
}

// FileBackend keeps the document in a single JSON file.
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

func (b *FileBackend) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stats file: %w", err)
	}
	return data, nil
}

// Save overwrites the whole file through a temp file and rename so a crash
// never leaves a half-written document behind.
func (b *FileBackend) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stats dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".stats-*.json")
	if err != nil {
		return fmt.Errorf("create temp stats file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write stats file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close stats file: %w", err)
	}
	if err := os.Rename(tmpName, b.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace stats file: %w", err)
	}
	return nil
}

func (b *FileBackend) String() string { return "file:" + b.Path }

// RedisBackend stores the document as one string value.
type RedisBackend struct {
	client redis.Cmdable
	key    string
}

func NewRedisBackend(client redis.Cmdable, key string) *RedisBackend {
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", b.key, err)
	}
	return data, nil
}

func (b *RedisBackend) Save(ctx context.Context, data []byte) error {
	if err := b.client.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", b.key, err)
	}
	return nil
}

func (b *RedisBackend) String() string { return "redis:" + b.key }

// ObjectBackend stores the document as an object in the bucket.
type ObjectBackend struct {
	storage client.StorageClient
	key     string
}

func NewObjectBackend(storage client.StorageClient, key string) *ObjectBackend {
	return &ObjectBackend{storage: storage, key: key}
}

func (b *ObjectBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.storage.Download(ctx, b.key)
	if errors.Is(err, client.ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *ObjectBackend) Save(ctx context.Context, data []byte) error {
	_, err := b.storage.Upload(ctx, b.key, bytes.NewReader(data), "application/json")
	return err
}

func (b *ObjectBackend) String() string { return "object:" + b.key }
