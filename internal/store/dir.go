package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	recordExt = ".rec"
	tmpPrefix = ".tmp-"
)

// Dir: one file per record. The name is the hex SHA-256 of the id, so any id
// fits the filesystem's name limit; the file holds the JSON-quoted id on its
// first line, then the body.
type Dir struct {
	path string
}

// NewDir creates path if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Dir{path: path}, nil
}

// Path of the directory.
func (d *Dir) Path() string { return d.path }

func fileKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func (d *Dir) file(id string) string {
	return filepath.Join(d.path, fileKey(id)+recordExt)
}

// Put writes via temp file + rename so a crash never leaves a torn record.
func (d *Dir) Put(id string, body []byte) error {
	if id == "" {
		return ErrEmptyID
	}
	head, err := json.Marshal(id)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(d.path, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	buf := make([]byte, 0, len(head)+1+len(body))
	buf = append(append(append(buf, head...), '\n'), body...)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, d.file(id)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *Dir) Delete(id string) error {
	err := os.Remove(d.file(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// parseRecord splits a record file into id and body. The id must hash to name.
func parseRecord(name string, b []byte) (Record, bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return Record{}, false
	}
	var id string
	if json.Unmarshal(b[:i], &id) != nil || id == "" || fileKey(id) != name {
		return Record{}, false
	}
	return Record{ID: id, Body: b[i+1:]}, true
}

// Load reads every record file. Leftover temp files from an interrupted Put
// and records that fail to parse are removed. Call before concurrent Puts.
func (d *Dir) Load() ([]Record, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	var list []Record
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(d.path, name)
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, tmpPrefix) {
			os.Remove(full)
			continue
		}
		if !strings.HasSuffix(name, recordExt) {
			continue
		}
		b, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		rec, ok := parseRecord(strings.TrimSuffix(name, recordExt), b)
		if !ok {
			os.Remove(full)
			continue
		}
		list = append(list, rec)
	}
	return list, nil
}
