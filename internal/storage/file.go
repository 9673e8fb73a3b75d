package storage

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/maskdotdev/sombra-sub003/internal/base"
)

// File implements Backend with positioned reads and writes on a regular file.
type File struct {
	file     *os.File
	pageSize int

	counters
}

// NewFile opens or creates the file at path.
func NewFile(path string, pageSize int) (*File, error) {
	if err := checkPageSize(pageSize); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &File{file: file, pageSize: pageSize}, nil
}

func (f *File) PageSize() int {
	return f.pageSize
}

// ReadPage reads a page with a single pread
func (f *File) ReadPage(id base.PageID, buf []byte) error {
	if err := checkBuffer(buf, f.pageSize); err != nil {
		return err
	}
	offset := int64(id) * int64(f.pageSize)
	n, err := f.file.ReadAt(buf, offset)
	f.trackRead(n)
	if errors.Is(err, io.EOF) {
		return base.Corruptf("page %d beyond end of file: read %d bytes", id, n)
	}
	if err != nil {
		return err
	}
	return nil
}

// WritePage writes a page with a single pwrite
func (f *File) WritePage(id base.PageID, buf []byte) error {
	if err := checkBuffer(buf, f.pageSize); err != nil {
		return err
	}
	return f.WritePages(id, buf)
}

// WritePages writes a contiguous range of pages in a single syscall
func (f *File) WritePages(id base.PageID, data []byte) error {
	if err := checkRun(data, f.pageSize); err != nil {
		return err
	}
	offset := int64(id) * int64(f.pageSize)
	n, err := f.file.WriteAt(data, offset)
	f.trackWrite(len(data)/f.pageSize, n)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, len(data))
	}
	return nil
}

// Sync flushes buffered writes to disk
func (f *File) Sync() error {
	return f.file.Sync()
}

// Empty returns whether the file is empty
func (f *File) Empty() (bool, error) {
	info, err := f.file.Stat()
	if err != nil {
		return false, err
	}
	return info.Size() == 0, nil
}

// Close closes the file
func (f *File) Close() error {
	return f.file.Close()
}
