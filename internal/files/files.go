// Package files stores invoice documents by content. A file's id is the
// hex SHA-256 of its bytes, so storing the same document twice yields the
// same reference.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Metadata describes a document being stored.
type Metadata struct {
	Name        string
	Kind        string
	ContentType string
}

// Ref is the result of a successful Put.
type Ref struct {
	FileID string `json:"file_id"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Store is the document store consumed by the engine.
type Store interface {
	Put(ctx context.Context, data []byte, md Metadata) (Ref, error)
	Get(ctx context.Context, fileID string) ([]byte, error)
}

// ErrNotFound is returned by Get for an unknown file id.
var ErrNotFound = errors.New("file not found")

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Dir keeps files under root/<first two hex chars>/<sha256>.
type Dir struct {
	root string
}

var _ Store = (*Dir)(nil)

// NewDir creates root if needed and returns a store rooted there.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create file store: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(id string) string {
	return filepath.Join(d.root, id[:2], id)
}

func validID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

func (d *Dir) Put(ctx context.Context, data []byte, _ Metadata) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	id := digest(data)
	ref := Ref{FileID: id, SHA256: id, Size: int64(len(data))}

	p := d.path(id)
	if _, err := os.Stat(p); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Ref{}, fmt.Errorf("put file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return Ref{}, fmt.Errorf("put file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Ref{}, fmt.Errorf("put file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Ref{}, fmt.Errorf("put file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return Ref{}, fmt.Errorf("put file: %w", err)
	}
	return ref, nil
}

func (d *Dir) Get(ctx context.Context, fileID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validID(fileID) {
		return nil, fmt.Errorf("get file %q: %w", fileID, ErrNotFound)
	}
	data, err := os.ReadFile(d.path(fileID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("get file %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", fileID, err)
	}
	return data, nil
}

// Memory is a map-backed Store.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, data []byte, _ Metadata) (Ref, error) {
	id := digest(data)
	m.mu.Lock()
	m.files[id] = append([]byte(nil), data...)
	m.mu.Unlock()
	return Ref{FileID: id, SHA256: id, Size: int64(len(data))}, nil
}

func (m *Memory) Get(_ context.Context, fileID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[fileID]
	if !ok {
		return nil, fmt.Errorf("get file %s: %w", fileID, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}
