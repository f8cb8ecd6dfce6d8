package adapter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
)

// Storage holds identity snapshots and exports
type Storage interface {
	// Put returns a writer; the object becomes visible only after Close succeeds
	Put(ctx context.Context, key string) (io.WriteCloser, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// storageClient implements Storage interface using Cloud Storage
type storageClient struct {
	bucketName string
	prefix     string
	client     *storage.Client
}

// NewStorage creates a Cloud Storage backed Storage. prefix is prepended to every key.
func NewStorage(ctx context.Context, bucketName, prefix string) (Storage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}

	return &storageClient{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
	}, nil
}

func (s *storageClient) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	// GCS objects are replaced atomically when the writer is closed
	obj := s.client.Bucket(s.bucketName).Object(s.prefix + key)
	return obj.NewWriter(ctx), nil
}

func (s *storageClient) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.prefix + key)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read from storage", goerr.Value("key", key))
	}

	return reader, nil
}

// localStorage writes files under a directory with write-temp-then-rename,
// so readers never observe a partial file.
type localStorage struct {
	dir string
}

func NewLocalStorage(dir string) (Storage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, goerr.Wrap(err, "failed to create storage directory", goerr.V("dir", dir))
	}
	return &localStorage{dir: dir}, nil
}

func (s *localStorage) path(key string) (string, error) {
	p := filepath.Join(s.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(s.dir)+string(filepath.Separator)) {
		return "", goerr.New("storage key escapes directory", goerr.V("key", key))
	}
	return p, nil
}

func (s *localStorage) Put(_ context.Context, key string) (io.WriteCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, goerr.Wrap(err, "failed to create directory", goerr.V("key", key))
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create temp file", goerr.V("key", key))
	}
	return &atomicFile{File: tmp, dst: p}, nil
}

func (s *localStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open file", goerr.V("key", key))
	}
	return f, nil
}

type atomicFile struct {
	*os.File
	dst      string
	writeErr error
}

func (f *atomicFile) Write(p []byte) (int, error) {
	n, err := f.File.Write(p)
	if err != nil && f.writeErr == nil {
		f.writeErr = err
	}
	return n, err
}

func (f *atomicFile) Close() error {
	tmp := f.File.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmp)
		}
	}()

	if f.writeErr != nil {
		f.File.Close()
		return goerr.Wrap(f.writeErr, "write to temp file failed", goerr.V("path", tmp))
	}
	if err := f.File.Sync(); err != nil {
		f.File.Close()
		return goerr.Wrap(err, "failed to sync temp file", goerr.V("path", tmp))
	}
	if err := f.File.Close(); err != nil {
		return goerr.Wrap(err, "failed to close temp file", goerr.V("path", tmp))
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		return goerr.Wrap(err, "failed to chmod temp file", goerr.V("path", tmp))
	}
	if err := os.Rename(tmp, f.dst); err != nil {
		return goerr.Wrap(err, "failed to rename temp file", goerr.V("path", f.dst))
	}
	committed = true
	return nil
}
