package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalFile is a handle to a file that has not been uploaded yet.
type LocalFile interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// Attachment describes a file on a message. Local is set only until the
// upload yields a durable URL.
type Attachment struct {
	ID       string
	Name     string
	MimeType string
	URL      string
	IsImage  bool
	Local    LocalFile
}

// Uploaded reports whether the attachment already has a durable URL.
func (a Attachment) Uploaded() bool { return a.URL != "" }

// IsImageType reports whether mime names an image.
func IsImageType(mime string) bool {
	return strings.HasPrefix(strings.ToLower(mime), "image/")
}

type pathFile string

// FilePath returns a LocalFile reading from disk.
func FilePath(path string) LocalFile { return pathFile(path) }

func (p pathFile) Name() string { return filepath.Base(string(p)) }

func (p pathFile) Open() (io.ReadCloser, error) { return os.Open(string(p)) }

type memFile struct {
	name string
	data []byte
}

// Bytes returns a LocalFile backed by an in-memory buffer.
func Bytes(name string, data []byte) LocalFile { return memFile{name: name, data: data} }

func (m memFile) Name() string { return m.name }

func (m memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}
