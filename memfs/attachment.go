//go:build linux

package memfs

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// OutputPrefix is the file name prefix that marks a file in the home
// directory as an output attachment.
const OutputPrefix = "output"

// FileAttachment is a file captured from an instance after execution.
type FileAttachment struct {
	// Name is the file name relative to the home directory.
	Name string `json:"name"`
	// Size is the size of the file on disk.
	Size int64 `json:"size"`
	// Content holds at most the requested maximum number of bytes.
	Content []byte `json:"content"`
}

// Truncated reports whether Content holds less than the file's full size.
func (a FileAttachment) Truncated() bool {
	return int64(len(a.Content)) < a.Size
}

// ReadAttachment reads the file at path, keeping at most maxSize bytes of
// content. A negative maxSize means no limit.
func ReadAttachment(path string, maxSize int64) (FileAttachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileAttachment{}, fmt.Errorf("memfs: opening attachment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileAttachment{}, fmt.Errorf("memfs: stat attachment: %w", err)
	}

	var r io.Reader = f
	if maxSize >= 0 {
		r = io.LimitReader(f, maxSize)
	}

	content, err := io.ReadAll(r)
	if err != nil {
		return FileAttachment{}, fmt.Errorf("memfs: reading attachment %s: %w", filepath.Base(path), err)
	}

	return FileAttachment{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Content: content,
	}, nil
}

// Attachments returns a lazy sequence of the regular files in the home
// directory whose name begins with [OutputPrefix], in directory order.
//
// At most maxCount files are yielded; any further matching files are skipped
// and a warning is logged. Each file's content is read up to maxSize bytes.
// The sequence is single-use and stops early on errors it cannot recover
// from (the home directory being unreadable).
func (m *MemFS) Attachments(maxCount int, maxSize int64) iter.Seq2[FileAttachment, error] {
	return func(yield func(FileAttachment, error) bool) {
		home := m.Home()
		if home == "" {
			yield(FileAttachment{}, ErrNotLive)

			return
		}

		dir, err := os.Open(home)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				yield(FileAttachment{}, fmt.Errorf("memfs: opening home: %w", err))
			}

			return
		}
		defer dir.Close()

		count := 0

		for {
			entries, err := dir.ReadDir(64)
			for _, entry := range entries {
				if !strings.HasPrefix(entry.Name(), OutputPrefix) || !entry.Type().IsRegular() {
					continue
				}

				if count >= maxCount {
					m.pool.logger.Warn("memfs: maximum number of attachments reached, skipping remaining files",
						"name", m.Name(), "max", maxCount)

					return
				}

				count++

				att, readErr := ReadAttachment(filepath.Join(home, entry.Name()), maxSize)
				if !yield(att, readErr) {
					return
				}
			}

			if errors.Is(err, io.EOF) {
				return
			}

			if err != nil {
				yield(FileAttachment{}, fmt.Errorf("memfs: reading home: %w", err))

				return
			}
		}
	}
}
