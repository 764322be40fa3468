package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/auditrail/pkg/config"
)

var ErrInvalidName = errors.New("invalid bundle name")

// Sink stores encoded bundles by name.
type Sink interface {
	// Put stores data under name and returns its location. Names are
	// content addressed, so an existing object is left untouched.
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, name string) ([]byte, error)
}

// Write encodes b and stores it in sink.
func Write(ctx context.Context, sink Sink, b Bundle) (string, error) {
	data, err := b.Encode()
	if err != nil {
		return "", err
	}
	return sink.Put(ctx, b.ObjectName(), data)
}

// Fetch loads and checks the bundle stored under name.
func Fetch(ctx context.Context, sink Sink, name string) (Bundle, error) {
	data, err := sink.Get(ctx, name)
	if err != nil {
		return Bundle{}, err
	}
	return Parse(data)
}

// NewSink builds the sink cfg selects.
func NewSink(ctx context.Context, cfg config.ExportConfig) (Sink, error) {
	switch cfg.Sink {
	case config.SinkFile, "":
		return NewFileSink(cfg.Dir)
	case config.SinkS3:
		return NewS3Sink(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case config.SinkGCS:
		return newGCSSink(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported export sink: %s", cfg.Sink)
	}
}

func cleanName(name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// FileSink stores bundles under a directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("file sink needs a directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write bundle: %w", err)
	}
	return path, nil
}

func (s *FileSink) Get(ctx context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(name)))
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", name, err)
	}
	return data, nil
}
