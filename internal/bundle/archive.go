package bundle

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// gzipOSUnknown is the OS value for "unknown" in gzip headers (RFC 1952).
const gzipOSUnknown = 255

// MaxFileSize bounds a single extracted file.
const MaxFileSize = 50 * 1024 * 1024

// MaxBundleSize bounds the decompressed archive.
const MaxBundleSize = 200 * 1024 * 1024

// FileEntry is one file inside a bundle.
type FileEntry struct {
	Path    string
	Content []byte
	Mode    int64
}

// pack writes files into a reproducible tar.gz: entries are sorted, all
// headers carry the same mtime and no owner, and the gzip header is fixed.
func pack(files []FileEntry, epoch time.Time) ([]byte, error) {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, f := range sorted {
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     f.Path,
			Size:     int64(len(f.Content)),
			Mode:     mode,
			ModTime:  epoch,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing tar header for %s: %w", f.Path, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("writing tar content for %s: %w", f.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}

	var out bytes.Buffer
	gw, err := gzip.NewWriterLevel(&out, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	gw.ModTime = epoch
	gw.Name = ""
	gw.Comment = ""
	gw.OS = gzipOSUnknown
	if _, err := gw.Write(tarBuf.Bytes()); err != nil {
		return nil, fmt.Errorf("writing gzip data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return out.Bytes(), nil
}

// unpack reads a bundle produced by pack. Links, devices and paths that
// escape the archive root are rejected.
func unpack(blob []byte) ([]FileEntry, error) {
	gr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer func() { _ = gr.Close() }()

	tr := tar.NewReader(io.LimitReader(gr, MaxBundleSize+1))
	var files []FileEntry
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar header: %w", err)
		}
		if err := validateEntryPath(hdr.Name); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("bundle contains disallowed entry type %d: %s", hdr.Typeflag, hdr.Name)
		}
		if hdr.Size > MaxFileSize {
			return nil, fmt.Errorf("file %s exceeds maximum size of %d bytes", hdr.Name, MaxFileSize)
		}
		content, err := io.ReadAll(io.LimitReader(tr, MaxFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("reading tar content for %s: %w", hdr.Name, err)
		}
		if int64(len(content)) > MaxFileSize {
			return nil, fmt.Errorf("file %s exceeds maximum size of %d bytes", hdr.Name, MaxFileSize)
		}
		total += int64(len(content))
		if total > MaxBundleSize {
			return nil, fmt.Errorf("bundle exceeds maximum size of %d bytes", MaxBundleSize)
		}
		files = append(files, FileEntry{Path: path.Clean(hdr.Name), Content: content, Mode: hdr.Mode})
	}
	return files, nil
}

func validateEntryPath(p string) error {
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path traversal detected in bundle: %s", p)
	}
	if path.IsAbs(cleaned) {
		return fmt.Errorf("absolute path not allowed in bundle: %s", p)
	}
	return nil
}
