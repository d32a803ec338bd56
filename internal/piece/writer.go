package piece

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/dlrain/internal/config"
	"github.com/cenkalti/dlrain/internal/model"
	"github.com/cenkalti/dlrain/internal/torrentfile"
)

// fileSpan is one file's byte range within the torrent's flattened
// address space (the concatenation of all files in order, per BEP3).
type fileSpan struct {
	path  string
	start int64
	end   int64 // exclusive
}

// Writer maps piece-relative writes onto a torrent's on-disk file or
// files, rejecting any path component that would escape saveDir.
type Writer struct {
	saveDir string
	spans   []fileSpan
	files   map[string]*os.File
}

// NewWriter builds a Writer for info rooted at saveDir. Every path
// component from the torrent is validated before any file is opened.
func NewWriter(info *torrentfile.Info, saveDir string) (*Writer, error) {
	w := &Writer{saveDir: saveDir, files: make(map[string]*os.File)}

	if len(info.Files) == 0 {
		path, err := safeJoin(saveDir, []string{info.Name})
		if err != nil {
			return nil, err
		}
		w.spans = []fileSpan{{path: path, start: 0, end: info.Length}}
		return w, nil
	}

	var offset int64
	for _, f := range info.Files {
		parts := append([]string{info.Name}, f.Path...)
		path, err := safeJoin(saveDir, parts)
		if err != nil {
			return nil, err
		}
		w.spans = append(w.spans, fileSpan{path: path, start: offset, end: offset + f.Length})
		offset += f.Length
	}
	return w, nil
}

// safeJoin joins parts under root, rejecting ".." components and
// absolute path segments so a malicious torrent can't write outside
// saveDir.
func safeJoin(root string, parts []string) (string, error) {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || filepath.IsAbs(p) || strings.ContainsRune(p, 0) {
			return "", model.Protocol(model.ProtoInvalidTorrent, "unsafe path component %q", p)
		}
		clean = append(clean, p)
	}
	joined := filepath.Join(append([]string{root}, clean...)...)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", model.Internal("resolve save dir: %s", err)
	}
	joinedAbs, err := filepath.Abs(joined)
	if err != nil {
		return "", model.Internal("resolve file path: %s", err)
	}
	if joinedAbs != rootAbs && !strings.HasPrefix(joinedAbs, rootAbs+string(filepath.Separator)) {
		return "", model.Protocol(model.ProtoInvalidTorrent, "path escapes save directory: %q", joined)
	}
	return joined, nil
}

// Allocate pre-creates every backing file and, for mode AllocFull,
// pre-sizes it to its final length.
func (w *Writer) Allocate(mode config.AllocationMode) error {
	for _, span := range w.spans {
		if err := os.MkdirAll(filepath.Dir(span.path), 0755); err != nil {
			return model.Storage(model.StorageIO, filepath.Dir(span.path), "mkdir: %s", err)
		}
		f, err := os.OpenFile(span.path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return model.Storage(model.StorageIO, span.path, "open: %s", err)
		}
		if mode == config.AllocFull {
			if err := f.Truncate(span.end - span.start); err != nil {
				f.Close()
				return model.Storage(model.StorageAllocFailed, span.path, "truncate: %s", err)
			}
		}
		w.files[span.path] = f
	}
	return nil
}

// WriteAt writes data at the torrent-global offset, splitting across
// file boundaries as needed.
func (w *Writer) WriteAt(offset int64, data []byte) error {
	for len(data) > 0 {
		span, rel, err := w.spanFor(offset)
		if err != nil {
			return err
		}
		n := int64(len(data))
		if rel+n > span.end-span.start {
			n = span.end - span.start - rel
		}
		f := w.files[span.path]
		if _, err := f.WriteAt(data[:n], rel); err != nil {
			return model.Storage(model.StorageIO, span.path, "write: %s", err)
		}
		data = data[n:]
		offset += n
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at the torrent-global offset,
// used for re-verifying existing data on startup.
func (w *Writer) ReadAt(offset int64, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		span, rel, err := w.spanFor(offset + int64(read))
		if err != nil {
			return read, err
		}
		n := int64(len(buf) - read)
		if rel+n > span.end-span.start {
			n = span.end - span.start - rel
		}
		f := w.files[span.path]
		got, err := f.ReadAt(buf[read:int64(read)+n], rel)
		read += got
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func (w *Writer) spanFor(offset int64) (fileSpan, int64, error) {
	for _, span := range w.spans {
		if offset >= span.start && offset < span.end {
			return span, offset - span.start, nil
		}
	}
	return fileSpan{}, 0, model.Internal("offset %d out of range", offset)
}

// Close releases every open file handle.
func (w *Writer) Close() error {
	var firstErr error
	for _, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return model.Storage(model.StorageIO, "", "close: %s", firstErr)
	}
	return nil
}
