// Package blobstore keeps write-once archival objects, such as settled transfer root snapshots,
// in S3 or in memory.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store holds immutable objects. An object, once created, is never overwritten.
type Store interface {
	// Create writes payload under key unless key already exists, and reports whether it wrote.
	Create(ctx context.Context, key string, payload []byte, meta map[string]string) (bool, error)
	Get(ctx context.Context, key string) (Object, error)
	// List returns keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

type Object struct {
	Key          string
	Data         []byte
	Metadata     map[string]string
	LastModified time.Time
}

type Config struct {
	Driver string
	// Prefix namespaces every key, e.g. per environment.
	Prefix string
	// MaxGetSize bounds bytes returned by Get. Defaults to 16 MiB.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3, "":
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// cleanKey strips a leading slash and rejects blank keys, surrounding whitespace, control
// characters and dot segments.
func cleanKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: surrounding whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.IndexFunc(key, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0 {
		return "", fmt.Errorf("%w: control character", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: dot segment in %q", ErrInvalidKey, key)
		}
	}
	return key, nil
}

// namespace joins keys under a configured prefix.
type namespace string

func newNamespace(prefix string) namespace {
	return namespace(strings.Trim(strings.TrimSpace(prefix), "/"))
}

func (n namespace) full(key string) string {
	if n == "" {
		return key
	}
	return string(n) + "/" + key
}

func (n namespace) strip(full string) string {
	if n == "" {
		return full
	}
	return strings.TrimPrefix(full, string(n)+"/")
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func copyMeta(v map[string]string) map[string]string {
	out := make(map[string]string, len(v))
	for k, val := range v {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out[k] = strings.TrimSpace(val)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
