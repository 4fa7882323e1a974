// Package fs provides the kernel's minimal virtual filesystem. Paths under
// /dev resolve to registered character devices; every other path resolves
// to a file in the initial ramdisk.
package fs

import (
	"io"
	"nestos/kernel"
	"nestos/kernel/fs/initrd"
	"nestos/kernel/kfmt"
	"nestos/kernel/sync"
)

const (
	// MaxDevices is the number of character devices that can be registered.
	MaxDevices = 8

	devPrefix = "/dev/"
)

var (
	errNotFound         = &kernel.Error{Module: "fs", Message: "no such file or device"}
	errReadOnly         = &kernel.Error{Module: "fs", Message: "file is read-only"}
	errAlreadyMounted   = &kernel.Error{Module: "fs", Message: "an archive is already mounted"}
	errTooManyDevices   = &kernel.Error{Module: "fs", Message: "device table is full"}
	errDuplicateDevice  = &kernel.Error{Module: "fs", Message: "a device with this name is already registered"}
	errInvalidDeviceArg = &kernel.Error{Module: "fs", Message: "device name must be non-empty and the device non-nil"}
	errDeviceIO         = &kernel.Error{Module: "fs", Message: "character device I/O error"}
)

// Kind identifies the backing of a Node.
type Kind uint8

const (
	// KindFile is a regular file stored in the initial ramdisk.
	KindFile Kind = iota

	// KindCharDevice is a character device.
	KindCharDevice
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindCharDevice:
		return "chardev"
	default:
		return "unknown"
	}
}

// Node is an open-able filesystem object. The set of implementations is
// closed: *FileNode and *DeviceNode.
type Node interface {
	// Name returns the node name without its directory.
	Name() string

	// Kind returns the node's backing kind.
	Kind() Kind

	// Size returns the node size in bytes. Devices report 0.
	Size() uint64

	// Read copies data starting at offset into buf and returns the number
	// of bytes read.
	Read(offset uint64, buf []byte) (int, *kernel.Error)

	// Write copies buf to the node starting at offset and returns the
	// number of bytes written.
	Write(offset uint64, buf []byte) (int, *kernel.Error)

	node()
}

// CharDevice is implemented by drivers that can back a /dev node. Character
// devices have no notion of a position.
type CharDevice interface {
	io.ReadWriter
}

// FileNode is a read-only file inside the mounted archive.
type FileNode struct {
	archive *initrd.Archive
	entry   initrd.Entry
}

// Name implements Node.
func (n *FileNode) Name() string { return n.entry.Name }

// Kind implements Node.
func (n *FileNode) Kind() Kind { return KindFile }

// Size implements Node.
func (n *FileNode) Size() uint64 { return n.entry.Size }

// Read implements Node.
func (n *FileNode) Read(offset uint64, buf []byte) (int, *kernel.Error) {
	return n.archive.ReadAt(n.entry, offset, buf)
}

// Write implements Node. Archive files cannot be modified.
func (n *FileNode) Write(_ uint64, _ []byte) (int, *kernel.Error) {
	return 0, errReadOnly
}

func (n *FileNode) node() {}

// DeviceNode exposes a CharDevice under /dev.
type DeviceNode struct {
	name string
	dev  CharDevice
}

// Name implements Node.
func (n *DeviceNode) Name() string { return n.name }

// Kind implements Node.
func (n *DeviceNode) Kind() Kind { return KindCharDevice }

// Size implements Node.
func (n *DeviceNode) Size() uint64 { return 0 }

// Read implements Node. The offset is ignored.
func (n *DeviceNode) Read(_ uint64, buf []byte) (int, *kernel.Error) {
	read, err := n.dev.Read(buf)
	if err != nil && err != io.EOF {
		return read, errDeviceIO
	}
	return read, nil
}

// Write implements Node. The offset is ignored.
func (n *DeviceNode) Write(_ uint64, buf []byte) (int, *kernel.Error) {
	written, err := n.dev.Write(buf)
	if err != nil {
		return written, errDeviceIO
	}
	return written, nil
}

func (n *DeviceNode) node() {}

// VFS resolves paths to nodes. All nodes live inside the VFS value so that
// Open can hand out stable pointers without allocating.
type VFS struct {
	mutex sync.Spinlock

	archive   initrd.Archive
	mounted   bool
	files     [initrd.MaxFiles]FileNode
	fileCount int

	devices     [MaxDevices]DeviceNode
	deviceCount int
}

// MountInitrd parses data as the root archive.
func (v *VFS) MountInitrd(data []byte) *kernel.Error {
	archive, err := initrd.Parse(data)
	if err != nil {
		return err
	}

	v.mutex.Acquire()
	defer v.mutex.Release()

	if v.mounted {
		return errAlreadyMounted
	}

	v.archive = archive
	for i := 0; i < archive.Len(); i++ {
		entry, _ := archive.Entry(i)
		v.files[i] = FileNode{archive: &v.archive, entry: entry}
	}
	v.fileCount = archive.Len()
	v.mounted = true
	return nil
}

// RegisterDevice makes dev reachable as /dev/name.
func (v *VFS) RegisterDevice(name string, dev CharDevice) *kernel.Error {
	if name == "" || dev == nil {
		return errInvalidDeviceArg
	}

	v.mutex.Acquire()
	defer v.mutex.Release()

	if v.findDevice(name) != nil {
		return errDuplicateDevice
	}
	if v.deviceCount == MaxDevices {
		return errTooManyDevices
	}

	v.devices[v.deviceCount] = DeviceNode{name: name, dev: dev}
	v.deviceCount++
	return nil
}

// Open resolves path to a node. A leading slash is optional for archive
// files.
func (v *VFS) Open(path string) (Node, *kernel.Error) {
	v.mutex.Acquire()
	defer v.mutex.Release()

	if len(path) > len(devPrefix) && path[:len(devPrefix)] == devPrefix {
		if dev := v.findDevice(path[len(devPrefix):]); dev != nil {
			return dev, nil
		}
		return nil, errNotFound
	}

	if len(path) != 0 && path[0] == '/' {
		path = path[1:]
	}
	for i := 0; i < v.fileCount; i++ {
		if v.files[i].entry.Name == path {
			return &v.files[i], nil
		}
	}

	return nil, errNotFound
}

// Visit invokes fn for every node, archive files first.
func (v *VFS) Visit(fn func(dir string, n Node)) {
	v.mutex.Acquire()
	defer v.mutex.Release()

	for i := 0; i < v.fileCount; i++ {
		fn("/", &v.files[i])
	}
	for i := 0; i < v.deviceCount; i++ {
		fn(devPrefix, &v.devices[i])
	}
}

// PrintTree writes one line per node to w.
func (v *VFS) PrintTree(w io.Writer) {
	v.Visit(func(dir string, n Node) {
		kfmt.Fprintf(w, "%s%s (%s, %d bytes)\n", dir, n.Name(), n.Kind().String(), n.Size())
	})
}

func (v *VFS) findDevice(name string) *DeviceNode {
	for i := 0; i < v.deviceCount; i++ {
		if v.devices[i].name == name {
			return &v.devices[i]
		}
	}
	return nil
}
