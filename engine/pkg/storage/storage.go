// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

// Storage types.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
)

// Config configures the remote storage of job artifacts.
type Config struct {
	Type string `toml:"type" json:"type"`
	// Root is the directory of the local storage.
	Root string `toml:"root" json:"root"`

	Bucket    string `toml:"bucket" json:"bucket"`
	Endpoint  string `toml:"endpoint" json:"endpoint"`
	Region    string `toml:"region" json:"region"`
	AccessKey string `toml:"access-key" json:"access-key"`
	SecretKey string `toml:"secret-key" json:"-"`
	// UsePathStyle addresses buckets as http://endpoint/bucket, which
	// most self hosted S3 services require.
	UsePathStyle bool `toml:"use-path-style" json:"use-path-style"`
}

// DefaultConfig stores artifacts under ./storage.
func DefaultConfig() *Config {
	return &Config{Type: TypeLocal, Root: "storage"}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeLocal:
		if c.Root == "" {
			return errors.ErrInvalidConfig.GenWithStackByArgs("local storage without root")
		}
	case TypeS3:
		if c.Bucket == "" {
			return errors.ErrInvalidConfig.GenWithStackByArgs("s3 storage without bucket")
		}
	default:
		return errors.ErrInvalidConfig.GenWithStackByArgs("unknown storage type " + c.Type)
	}
	return nil
}

// Storage saves job artifacts under slash separated keys.
type Storage interface {
	// Upload copies the local file to key.
	Upload(ctx context.Context, localPath, key string) error
	// UploadReader copies the content of r to key.
	UploadReader(ctx context.Context, r io.Reader, key string) error
}

// New creates the Storage described by cfg.
func New(ctx context.Context, cfg *Config) (Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Type == TypeS3 {
		return NewS3Storage(ctx, cfg)
	}
	return NewLocalStorage(cfg.Root)
}

// cleanKey rejects keys escaping the storage root.
func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", errors.ErrStorageOpFail.GenWithStackByArgs(key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", errors.ErrStorageOpFail.GenWithStackByArgs(key)
		}
	}
	return key, nil
}

// LocalStorage keeps artifacts in a local directory.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a LocalStorage rooted at root.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.WrapError(errors.ErrStorageOpFail, err, root)
	}
	return &LocalStorage{root: root}, nil
}

// Path returns the local file of key.
func (s *LocalStorage) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimLeft(key, "/")))
}

// Upload implements Storage.Upload
func (s *LocalStorage) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, key)
	}
	defer f.Close()
	return s.UploadReader(ctx, f, key)
}

// UploadReader implements Storage.UploadReader
func (s *LocalStorage) UploadReader(ctx context.Context, r io.Reader, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	target := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, key)
	}
	// write aside then rename, readers never see a partial artifact
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, key)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return errors.WrapError(errors.ErrStorageOpFail, err, key)
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, key)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, key)
	}
	log.Debug("artifact stored", zap.String("key", key), zap.String("path", target))
	return nil
}
