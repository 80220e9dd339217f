// Package store finds BinExport2 files on disk by the SHA-256 digest of the
// binary they describe. A store is a flat directory of <sha256>.BinExport
// files.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"binmerchant/internal/binexport"
)

// Ext is the file extension of stored exports.
const Ext = ".BinExport"

var ErrInvalidDigest = errors.New("digest must be 64 hex characters")

type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

// ValidDigest reports whether s is a SHA-256 digest in hex.
func ValidDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Path is where the export for digest lives.
func (s *Store) Path(digest string) (string, error) {
	if !ValidDigest(digest) {
		return "", fmt.Errorf("%q: %w", digest, ErrInvalidDigest)
	}
	return filepath.Join(s.Dir, strings.ToLower(digest)+Ext), nil
}

// Loaded is a decoded export with where it came from.
type Loaded struct {
	// ID is the SHA-256 of the export file. It keys the model cache.
	ID     string
	Path   string
	Size   int64
	Export *binexport.Export
}

// Load decodes the export stored for digest.
func (s *Store) Load(digest string) (*Loaded, error) {
	path, err := s.Path(digest)
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Open decodes an export file at any path.
func Open(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}
	e, err := binexport.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	sum := sha256.Sum256(data)
	return &Loaded{
		ID:     hex.EncodeToString(sum[:]),
		Path:   path,
		Size:   int64(len(data)),
		Export: e,
	}, nil
}

// Resolve accepts either a digest in the store or a path to an export file.
func (s *Store) Resolve(arg string) (*Loaded, error) {
	if ValidDigest(arg) {
		if path, _ := s.Path(arg); fileExists(path) {
			return s.Load(arg)
		}
	}
	return Open(arg)
}

// List returns the digests with an export in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		digest, ok := strings.CutSuffix(e.Name(), Ext)
		if ok && ValidDigest(digest) {
			out = append(out, strings.ToLower(digest))
		}
	}
	slices.Sort(out)
	return out, nil
}

// Digest hashes a file, typically the analysed binary, to find its export.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
