// Package blob keeps the app's key-value storage document in one
// zstd-compressed JSON file. Writers replace only their own key; every
// sibling key round-trips untouched.
package blob

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const formatVersion = 1

type Header struct {
	Version int    `json:"version"`
	SavedAt string `json:"saved_at"`
}

// File is safe for concurrent use within one process.
type File struct {
	path string
	mu   sync.Mutex
}

func Open(path string) *File { return &File{path: path} }

func (f *File) Path() string { return f.path }

// Get returns the raw JSON stored under key. A missing file or key is not an error.
func (f *File) Get(key string) (json.RawMessage, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, false, err
	}
	v, ok := doc[key]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false, nil
	}
	return v, true, nil
}

// Put stores value under key. If the existing file cannot be decoded the
// write is refused so that sibling keys are never lost.
func (f *File) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("blob %s: encode: %w", key, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	doc[key] = raw
	return f.write(doc)
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return f.write(doc)
}

func (f *File) Keys() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(doc))
	for k := range doc {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Dump returns the whole document, for the admin CLI.
func (f *File) Dump() (map[string]json.RawMessage, Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readWithHeader()
}

func (f *File) read() (map[string]json.RawMessage, error) {
	doc, _, err := f.readWithHeader()
	return doc, err
}

func (f *File) readWithHeader() (map[string]json.RawMessage, Header, error) {
	var h Header
	fh, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, h, nil
	}
	if err != nil {
		return nil, h, err
	}
	defer fh.Close()

	dec, err := zstd.NewReader(fh)
	if err != nil {
		return nil, h, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, h, fmt.Errorf("blob %s: header: %w", f.path, err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, h, fmt.Errorf("blob %s: header: %w", f.path, err)
	}
	if h.Version != formatVersion {
		return nil, h, fmt.Errorf("blob %s: unsupported version %d", f.path, h.Version)
	}
	doc := map[string]json.RawMessage{}
	if err := json.NewDecoder(br).Decode(&doc); err != nil {
		return nil, h, fmt.Errorf("blob %s: decode: %w", f.path, err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	return doc, h, nil
}

func (f *File) write(doc map[string]json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := encode(tmp, doc); err != nil {
		tmp.Close()
		return fmt.Errorf("blob %s: %w", f.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

func encode(w *os.File, doc map[string]json.RawMessage) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(Header{Version: formatVersion, SavedAt: time.Now().UTC().Format(time.RFC3339)})
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(doc); err != nil {
		enc.Close()
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
