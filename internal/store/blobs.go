package store

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const uploadsDir = "uploads"

// Blobs stores uploaded file bytes on disk, one file per upload named
// {file_id}_{original filename}. Bytes are decoupled from the message
// metadata that references them: broadcasts carry only the reference
// and recipients pull the bytes on demand.
type Blobs struct {
	dir string
}

// NewBlobs creates the uploads directory under dataDir if needed.
func NewBlobs(dataDir string) (*Blobs, error) {
	dir := filepath.Join(dataDir, uploadsDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating uploads dir: %w", err)
	}
	return &Blobs{dir: dir}, nil
}

// Save writes the bytes once to disk under a freshly generated id and
// returns that id. The client-supplied filename is reduced to its base
// name so it can never escape the uploads directory.
func (b *Blobs) Save(filename string, data []byte) (string, error) {
	name := sanitize(filename)
	fileID := strings.ReplaceAll(uuid.New().String(), "-", "")[:10]

	path := filepath.Join(b.dir, fileID+"_"+name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("saving blob %s: %w", fileID, err)
	}
	return fileID, nil
}

// Open resolves a file id to its stored bytes, original filename, and
// inferred mime type.
func (b *Blobs) Open(fileID string) ([]byte, string, string, error) {
	path, name, err := b.find(fileID)
	if err != nil {
		return nil, "", "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", fmt.Errorf("reading blob %s: %w", fileID, err)
	}
	return data, name, mimeFor(name), nil
}

// Size returns the stored byte count for a file id without reading it.
func (b *Blobs) Size(fileID string) (int64, error) {
	path, _, err := b.find(fileID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// find scans the uploads directory for the single file carrying the id
// prefix and returns its path and stored filename.
func (b *Blobs) find(fileID string) (path, name string, err error) {
	if fileID == "" || strings.ContainsAny(fileID, "/\\.") {
		return "", "", fmt.Errorf("blob %q: %w", fileID, os.ErrNotExist)
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return "", "", err
	}
	prefix := fileID + "_"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(b.dir, e.Name()), e.Name()[len(prefix):], nil
		}
	}
	return "", "", fmt.Errorf("blob %q: %w", fileID, os.ErrNotExist)
}

func sanitize(filename string) string {
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "file"
	}
	return name
}

func mimeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
