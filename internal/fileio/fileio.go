// Package fileio opens track and image files as scoped streams, compressing
// and decompressing transparently when the path ends in ".gz".
package fileio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// IsGzip reports whether the path names a gzip-compressed file.
func IsGzip(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gz")
}

// TrimGzip returns the path without a trailing ".gz".
func TrimGzip(path string) string {
	if IsGzip(path) {
		return path[:len(path)-3]
	}
	return path
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open opens path for buffered reading. Closing the result releases
// the decompressor and the file.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	buffered := bufio.NewReader(f)
	if !IsGzip(path) {
		return &readCloser{Reader: buffered, closers: []io.Closer{f}}, nil
	}
	zr, err := gzip.NewReader(buffered)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	return &readCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
}

// filePerm is the mode of newly created outputs, matching os.Create under
// the usual 022 umask. os.CreateTemp alone would leave them at 0600.
const filePerm os.FileMode = 0644

// AtomicFile buffers writes into a temporary file next to the destination
// and only moves it into place on Commit. Close without Commit removes the
// temporary file, so a failed write never leaves partial output behind.
type AtomicFile struct {
	io.Writer
	path      string
	tmp       *os.File
	buf       *bufio.Writer
	zw        *gzip.Writer
	committed bool
	closed    bool
}

// Create starts an atomic write to path. When path ends in ".gz" the
// stream is compressed at the given level (gzip.DefaultCompression for 0).
func Create(path string, level int) (*AtomicFile, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, err
	}
	a := &AtomicFile{path: path, tmp: tmp, buf: bufio.NewWriter(tmp)}
	a.Writer = a.buf
	if IsGzip(path) {
		if level == 0 {
			level = gzip.DefaultCompression
		}
		zw, err := gzip.NewWriterLevel(a.buf, level)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("creating gzip stream: %w", err)
		}
		a.zw = zw
		a.Writer = zw
	}
	return a, nil
}

// Commit flushes everything and renames the temporary file onto the destination.
func (a *AtomicFile) Commit() error {
	if a.closed {
		return fmt.Errorf("commit %s: file already closed", a.path)
	}
	if a.zw != nil {
		if err := a.zw.Close(); err != nil {
			return err
		}
	}
	if err := a.buf.Flush(); err != nil {
		return err
	}
	mode := filePerm
	if fi, err := os.Stat(a.path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := a.tmp.Chmod(mode); err != nil {
		return err
	}
	if err := a.tmp.Close(); err != nil {
		return err
	}
	a.closed = true
	if err := os.Rename(a.tmp.Name(), a.path); err != nil {
		os.Remove(a.tmp.Name())
		return err
	}
	a.committed = true
	return nil
}

// Close discards the temporary file if Commit has not succeeded. It is safe
// to defer Close right after Create.
func (a *AtomicFile) Close() error {
	if a.committed {
		return nil
	}
	if !a.closed {
		a.tmp.Close()
		a.closed = true
	}
	err := os.Remove(a.tmp.Name())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
