// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package objectstore

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ErrNoSuchBucket is returned for operations against a bucket that was
// never created.
var ErrNoSuchBucket = errors.New("objectstore: no such bucket")

// ErrNoSuchKey is returned when an object does not exist in the bucket.
var ErrNoSuchKey = errors.New("objectstore: no such key")

// ErrBucketExists is returned by CreateBucket for a duplicate name.
var ErrBucketExists = errors.New("objectstore: bucket already exists")

// Metadata is the sidecar content stored next to each object body.
type Metadata struct {
	ContentType  string            `json:"content_type"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	Size         int64             `json:"size"`
}

// Object pairs a stored body with its metadata.
type Object struct {
	Bucket string
	Key    string
	Body   []byte
	Meta   Metadata
}

// ObjectSummary is the listing shape returned by List.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store is the file-tree backend. One Store serves every bucket; the
// bucket provider owns it exclusively.
type Store struct {
	root string // <data>/obj

	mu sync.RWMutex // guards the directory tree against concurrent writers
}

// New opens (creating if needed) the object tree rooted at dataDir/obj.
func New(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "obj")
	if err := os.MkdirAll(filepath.Join(root, ".meta"), 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// CreateBucket makes the bucket's directories. Duplicate names conflict.
func (s *Store) CreateBucket(bucket string) error {
	if err := validName(bucket); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.bucketDir(bucket)
	if _, err := os.Stat(dir); err == nil {
		return ErrBucketExists
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("objectstore: create bucket %q: %w", bucket, err)
	}
	return os.MkdirAll(s.metaDir(bucket), 0o755)
}

// BucketExists reports whether the bucket has been created.
func (s *Store) BucketExists(bucket string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := os.Stat(s.bucketDir(bucket))
	return err == nil && info.IsDir()
}

// Buckets lists every created bucket name, sorted.
func (s *Store) Buckets() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != ".meta" {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Put stores body under bucket/key, computing the ETag as the MD5 of the
// body, and writes the metadata sidecar. Overwrites are allowed.
func (s *Store) Put(bucket, key string, body []byte, contentType string, userMeta map[string]string) (Metadata, error) {
	if err := validName(bucket); err != nil {
		return Metadata{}, err
	}
	if err := validKey(key); err != nil {
		return Metadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.bucketDir(bucket)); err != nil {
		return Metadata{}, ErrNoSuchBucket
	}

	sum := md5.Sum(body)
	meta := Metadata{
		ContentType:  contentType,
		UserMetadata: userMeta,
		LastModified: time.Now().UTC(),
		ETag:         hex.EncodeToString(sum[:]),
		Size:         int64(len(body)),
	}

	objPath := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return Metadata{}, fmt.Errorf("objectstore: put %s/%s: %w", bucket, key, err)
	}
	if err := os.WriteFile(objPath, body, 0o644); err != nil {
		return Metadata{}, fmt.Errorf("objectstore: put %s/%s: %w", bucket, key, err)
	}

	metaPath := s.metaPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return Metadata{}, err
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, err
	}
	if err := os.WriteFile(metaPath, encoded, 0o644); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Get reads an object and its sidecar. A missing sidecar (e.g. a file
// dropped into the tree by hand) gets synthesized metadata.
func (s *Store) Get(bucket, key string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(s.bucketDir(bucket)); err != nil {
		return nil, ErrNoSuchBucket
	}
	body, err := os.ReadFile(s.objectPath(bucket, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSuchKey
		}
		return nil, err
	}

	meta := Metadata{ContentType: "application/octet-stream", Size: int64(len(body))}
	if raw, err := os.ReadFile(s.metaPath(bucket, key)); err == nil {
		_ = json.Unmarshal(raw, &meta)
	} else {
		sum := md5.Sum(body)
		meta.ETag = hex.EncodeToString(sum[:])
		if info, err := os.Stat(s.objectPath(bucket, key)); err == nil {
			meta.LastModified = info.ModTime().UTC()
		}
	}
	return &Object{Bucket: bucket, Key: key, Body: body, Meta: meta}, nil
}

// Head returns just the metadata for bucket/key.
func (s *Store) Head(bucket, key string) (Metadata, error) {
	obj, err := s.Get(bucket, key)
	if err != nil {
		return Metadata{}, err
	}
	return obj.Meta, nil
}

// Delete removes an object and its sidecar. Deleting a missing key is a
// no-op, matching the wire protocol's idempotent delete.
func (s *Store) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.bucketDir(bucket)); err != nil {
		return ErrNoSuchBucket
	}
	if err := os.Remove(s.objectPath(bucket, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.metaPath(bucket, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns summaries for every key in bucket with the given prefix,
// sorted lexicographically, capped at max (0 = unlimited).
func (s *Store) List(bucket, prefix string, max int) ([]ObjectSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dir := s.bucketDir(bucket)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrNoSuchBucket
	}

	var out []ObjectSummary
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		summary := ObjectSummary{Key: key}
		if raw, err := os.ReadFile(s.metaPath(bucket, key)); err == nil {
			var meta Metadata
			if json.Unmarshal(raw, &meta) == nil {
				summary.Size = meta.Size
				summary.ETag = meta.ETag
				summary.LastModified = meta.LastModified
			}
		}
		if summary.LastModified.IsZero() {
			if info, err := d.Info(); err == nil {
				summary.Size = info.Size()
				summary.LastModified = info.ModTime().UTC()
			}
		}
		out = append(out, summary)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// DeleteBucket removes the bucket and everything in it.
func (s *Store) DeleteBucket(bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.bucketDir(bucket)); err != nil {
		return ErrNoSuchBucket
	}
	if err := os.RemoveAll(s.bucketDir(bucket)); err != nil {
		return err
	}
	return os.RemoveAll(s.metaDir(bucket))
}

// Reset wipes every bucket, for the management namespace's reset.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.root); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.root, ".meta"), 0o755)
}

func (s *Store) bucketDir(bucket string) string {
	return filepath.Join(s.root, bucket)
}

func (s *Store) metaDir(bucket string) string {
	return filepath.Join(s.root, ".meta", bucket)
}

func (s *Store) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketDir(bucket), filepath.FromSlash(key))
}

func (s *Store) metaPath(bucket, key string) string {
	return filepath.Join(s.metaDir(bucket), filepath.FromSlash(key)+".json")
}

// validName rejects bucket names that would escape the tree or collide
// with the metadata directory.
func validName(bucket string) error {
	if bucket == "" || bucket == ".meta" || strings.ContainsAny(bucket, "/\\") || strings.Contains(bucket, "..") {
		return fmt.Errorf("objectstore: invalid bucket name %q", bucket)
	}
	return nil
}

// validKey rejects keys that traverse outside the bucket directory.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("objectstore: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("objectstore: invalid key %q", key)
		}
	}
	return nil
}
