// Package files stores attachments received from and sent to connectors.
package files

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/user/scout/internal/fsutil"
	"github.com/user/scout/internal/types"
)

// StoredFile is the metadata record kept beside each blob.
type StoredFile struct {
	ID        types.FileID `json:"id"`
	Name      string       `json:"name"`
	Path      string       `json:"path"`
	MimeType  string       `json:"mimeType"`
	Size      int64        `json:"size"`
	Source    string       `json:"source"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Reference converts the record into a message attachment.
func (f *StoredFile) Reference() types.FileReference {
	return types.FileReference{
		ID:       f.ID,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		Path:     f.Path,
	}
}

// Store keeps blobs as <id>__<name> with a <id>.json metadata file.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// SaveBuffer stores data under a fresh id.
func (s *Store) SaveBuffer(name, mimeType, source string, data []byte) (*StoredFile, error) {
	id := types.NewFileID()
	path := s.blobPath(id, name)
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return s.finish(id, name, mimeType, source, path)
}

// SaveReader streams r into the store.
func (s *Store) SaveReader(name, mimeType, source string, r io.Reader) (*StoredFile, error) {
	id := types.NewFileID()
	path := s.blobPath(id, name)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create files dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("copy file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close file: %w", err)
	}
	return s.finish(id, name, mimeType, source, path)
}

// SaveFromPath copies an existing file into the store.
func (s *Store) SaveFromPath(name, mimeType, source, src string) (*StoredFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer in.Close()
	return s.SaveReader(name, mimeType, source, in)
}

// Get returns the metadata for id, or nil if it does not exist.
func (s *Store) Get(id types.FileID) (*StoredFile, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read file metadata: %w", err)
	}
	var rec StoredFile
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse file metadata: %w", err)
	}
	return &rec, nil
}

func (s *Store) finish(id types.FileID, name, mimeType, source, path string) (*StoredFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	rec := &StoredFile{
		ID:        id,
		Name:      name,
		Path:      path,
		MimeType:  mimeType,
		Size:      info.Size(),
		Source:    source,
		CreatedAt: time.Now(),
	}
	if err := fsutil.WriteJSONAtomic(s.metadataPath(id), rec, 0o644); err != nil {
		return nil, fmt.Errorf("write file metadata: %w", err)
	}
	return rec, nil
}

func (s *Store) blobPath(id types.FileID, name string) string {
	return filepath.Join(s.dir, string(id)+"__"+SanitizeFilename(name))
}

func (s *Store) metadataPath(id types.FileID) string {
	return filepath.Join(s.dir, string(id)+".json")
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeFilename reduces name to a safe single path element.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "file"
	}
	return base
}
