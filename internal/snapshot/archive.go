// Package snapshot archives the workspace as a zstd-compressed tar stream and
// moves those archives to and from object storage.
package snapshot

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/workbench/internal/workspace"
)

// ContentType is the media type of an archive.
const ContentType = "application/zstd"

// ErrUnsupportedEntry is returned when an archive holds anything other than
// regular files and directories.
var ErrUnsupportedEntry = errors.New("unsupported archive entry")

// Write streams a tar.zst of root to w and returns the number of entries.
// Symlinks and special files are skipped.
func Write(w io.Writer, root string) (int, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	count := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			log.Printf("snapshot: skipping %s (%s)", name, info.Mode().Type())
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", name, err)
		}
		count++
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.CopyN(tw, f, info.Size()); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	})
	if walkErr != nil {
		zw.Close()
		return count, walkErr
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return count, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("close zstd: %w", err)
	}
	return count, nil
}

// Extract unpacks a tar.zst stream into the workspace and returns the number
// of entries written. Every entry name is confined like any other workspace
// path; the first entry that escapes aborts the restore with
// workspace.ErrAccessDenied.
func Extract(r io.Reader, ws *workspace.Workspace) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)

	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read archive: %w", err)
		}

		path, err := ws.Resolve(hdr.Name)
		if err != nil {
			return count, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0755); err != nil {
				return count, fmt.Errorf("mkdir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if path == ws.Root() {
				return count, fmt.Errorf("%w: file entry %q at workspace root", ErrUnsupportedEntry, hdr.Name)
			}
			if err := writeEntry(path, tr, hdr); err != nil {
				return count, err
			}
		default:
			return count, fmt.Errorf("%w: %s (type %q)", ErrUnsupportedEntry, hdr.Name, string(hdr.Typeflag))
		}
		count++
	}
}

func writeEntry(path string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(hdr.Name), err)
	}
	mode := fs.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", hdr.Name, err)
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", hdr.Name, err)
	}
	return f.Close()
}
