package snapshot

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
)

// CompressedExt marks snapshot files stored brotli-compressed.
const CompressedExt = ".br"

// Encode writes s as indented JSON.
func Encode(w io.Writer, s *Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return nil
}

// Decode reads one JSON snapshot.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, s.Version)
	}
	return &s, nil
}

// Marshal returns the compact JSON form, as stored in the database.
func Marshal(s *Snapshot) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return b, nil
}

// Unmarshal parses the JSON form produced by Marshal or Encode.
func Unmarshal(b []byte) (*Snapshot, error) {
	return Decode(bytes.NewReader(b))
}

// WriteFile stores s at path, expanding a leading ~. Paths ending in .br are
// brotli-compressed. Missing parent directories are created.
func WriteFile(path string, s *Snapshot) (err error) {
	path, err = homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand snapshot path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close snapshot file: %w", cerr)
		}
	}()

	buf := bufio.NewWriter(f)
	if strings.HasSuffix(path, CompressedExt) {
		bw := brotli.NewWriterLevel(buf, brotli.DefaultCompression)
		if err := Encode(bw, s); err != nil {
			return err
		}
		if err := bw.Close(); err != nil {
			return fmt.Errorf("failed to finish brotli stream: %w", err)
		}
	} else if err := Encode(buf, s); err != nil {
		return err
	}
	return buf.Flush()
}

// ReadFile loads a snapshot written by WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand snapshot path: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, CompressedExt) {
		r = brotli.NewReader(r)
	}
	return Decode(r)
}
