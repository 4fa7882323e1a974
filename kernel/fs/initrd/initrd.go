// Package initrd reads and writes the initial ramdisk archive loaded by the
// bootloader as a multiboot module.
//
// The archive starts with a one byte file count followed by one header per
// file and then the file contents:
//
//	+-------+------------------------+---------+-----------+
//	| count | header 0 ... header n  | data 0  | ... data n |
//	+-------+------------------------+---------+-----------+
//
// Each header is a NUL-padded name of NameSize bytes, the file size and the
// offset of the file data from the start of the archive. Integers are stored
// as little endian uint64 values.
package initrd

import (
	"encoding/binary"
	"nestos/kernel"
	"unsafe"
)

const (
	// NameSize is the size of the name field in a file header.
	NameSize = 64

	// HeaderSize is the size of a single file header.
	HeaderSize = NameSize + 16

	// MaxFiles is the number of files that fit in the count field.
	MaxFiles = 255
)

var (
	errTruncated     = &kernel.Error{Module: "initrd", Message: "archive is truncated"}
	errBadExtent     = &kernel.Error{Module: "initrd", Message: "file extent lies outside the archive"}
	errNameTooLong   = &kernel.Error{Module: "initrd", Message: "file name does not fit in header"}
	errEmptyName     = &kernel.Error{Module: "initrd", Message: "file name is empty"}
	errTooManyFiles  = &kernel.Error{Module: "initrd", Message: "too many files for a single archive"}
	errNoSuchEntry   = &kernel.Error{Module: "initrd", Message: "entry index out of range"}
	errOffsetTooHigh = &kernel.Error{Module: "initrd", Message: "read offset past end of file"}
)

// Entry describes a file stored in an archive.
type Entry struct {
	Name   string
	Size   uint64
	Offset uint64
}

// Archive is a parsed view over archive bytes. It does not copy the data;
// entry names reference the header bytes directly.
type Archive struct {
	data  []byte
	count int
}

// Parse validates data as an archive.
func Parse(data []byte) (Archive, *kernel.Error) {
	if len(data) < 1 {
		return Archive{}, errTruncated
	}

	archive := Archive{data: data, count: int(data[0])}
	if len(data) < 1+archive.count*HeaderSize {
		return Archive{}, errTruncated
	}

	for i := 0; i < archive.count; i++ {
		entry, _ := archive.Entry(i)
		if entry.Offset > uint64(len(data)) || entry.Size > uint64(len(data))-entry.Offset {
			return Archive{}, errBadExtent
		}
	}

	return archive, nil
}

// Len returns the number of files in the archive.
func (a *Archive) Len() int {
	return a.count
}

// Entry returns the index-th file header.
func (a *Archive) Entry(index int) (Entry, *kernel.Error) {
	if index < 0 || index >= a.count {
		return Entry{}, errNoSuchEntry
	}

	hdr := a.data[1+index*HeaderSize : 1+(index+1)*HeaderSize]
	nameLen := 0
	for nameLen < NameSize && hdr[nameLen] != 0 {
		nameLen++
	}

	var name string
	if nameLen != 0 {
		name = unsafe.String(&hdr[0], nameLen)
	}

	return Entry{
		Name:   name,
		Size:   binary.LittleEndian.Uint64(hdr[NameSize:]),
		Offset: binary.LittleEndian.Uint64(hdr[NameSize+8:]),
	}, nil
}

// Lookup returns the index of the file called name.
func (a *Archive) Lookup(name string) (int, bool) {
	for i := 0; i < a.count; i++ {
		if entry, _ := a.Entry(i); entry.Name == name {
			return i, true
		}
	}
	return -1, false
}

// ReadAt copies the bytes of entry starting at offset into buf and returns
// the number of bytes copied. Reading at the end of the file returns 0.
func (a *Archive) ReadAt(entry Entry, offset uint64, buf []byte) (int, *kernel.Error) {
	if offset > entry.Size {
		return 0, errOffsetTooHigh
	}

	start := entry.Offset + offset
	return copy(buf, a.data[start:entry.Offset+entry.Size]), nil
}

// File is an input to Build.
type File struct {
	Name string
	Data []byte
}

// Build encodes files as an archive, in the supplied order.
func Build(files []File) ([]byte, *kernel.Error) {
	if len(files) > MaxFiles {
		return nil, errTooManyFiles
	}

	size := 1 + len(files)*HeaderSize
	for _, f := range files {
		switch {
		case len(f.Name) == 0:
			return nil, errEmptyName
		case len(f.Name) > NameSize:
			return nil, errNameTooLong
		}
		size += len(f.Data)
	}

	out := make([]byte, size)
	out[0] = byte(len(files))

	dataOffset := 1 + len(files)*HeaderSize
	for i, f := range files {
		hdr := out[1+i*HeaderSize : 1+(i+1)*HeaderSize]
		copy(hdr[:NameSize], f.Name)
		binary.LittleEndian.PutUint64(hdr[NameSize:], uint64(len(f.Data)))
		binary.LittleEndian.PutUint64(hdr[NameSize+8:], uint64(dataOffset))
		dataOffset += copy(out[dataOffset:], f.Data)
	}

	return out, nil
}
