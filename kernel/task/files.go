package task

import "nestos/kernel"

// Whence values accepted by Seek.
const (
	SeekStart   = 0
	SeekCurrent = 1
	SeekEnd     = 2
)

var (
	errBadDescriptor = &kernel.Error{Module: "task", Message: "bad file descriptor"}
	errTooManyFiles  = &kernel.Error{Module: "task", Message: "descriptor table is full"}
	errBadWhence     = &kernel.Error{Module: "task", Message: "invalid seek origin"}
	errNegativeSeek  = &kernel.Error{Module: "task", Message: "seek to a negative offset"}
)

// Open opens path for the running task and returns the lowest free
// descriptor.
func (r *Registry) Open(path string) (int, *kernel.Error) {
	r.mutex.Acquire()
	defer r.mutex.Release()

	t, err := r.currentLocked()
	if err != nil {
		return -1, err
	}

	for fd := range t.files {
		if t.files[fd].Node != nil {
			continue
		}

		node, err := r.cfg.FS.Open(path)
		if err != nil {
			return -1, err
		}

		t.files[fd] = FileDescriptor{Node: node}
		return fd, nil
	}

	return -1, errTooManyFiles
}

// Close releases descriptor fd of the running task.
func (r *Registry) Close(fd int) *kernel.Error {
	r.mutex.Acquire()
	defer r.mutex.Release()

	desc, err := r.descriptorLocked(fd)
	if err != nil {
		return err
	}

	*desc = FileDescriptor{}
	return nil
}

// Read reads from descriptor fd of the running task into buf and advances
// the descriptor offset.
func (r *Registry) Read(fd int, buf []byte) (int, *kernel.Error) {
	r.mutex.Acquire()
	defer r.mutex.Release()

	desc, err := r.descriptorLocked(fd)
	if err != nil {
		return -1, err
	}

	n, err := desc.Node.Read(desc.Offset, buf)
	if err != nil {
		return -1, err
	}

	desc.Offset += uint64(n)
	return n, nil
}

// Write writes buf to descriptor fd of the running task and advances the
// descriptor offset.
func (r *Registry) Write(fd int, buf []byte) (int, *kernel.Error) {
	r.mutex.Acquire()
	defer r.mutex.Release()

	desc, err := r.descriptorLocked(fd)
	if err != nil {
		return -1, err
	}

	n, err := desc.Node.Write(desc.Offset, buf)
	if err != nil {
		return -1, err
	}

	desc.Offset += uint64(n)
	return n, nil
}

// Seek moves the offset of descriptor fd relative to whence and returns the
// new offset.
func (r *Registry) Seek(fd int, offset int64, whence int) (uint64, *kernel.Error) {
	r.mutex.Acquire()
	defer r.mutex.Release()

	desc, err := r.descriptorLocked(fd)
	if err != nil {
		return 0, err
	}

	var origin int64
	switch whence {
	case SeekStart:
	case SeekCurrent:
		origin = int64(desc.Offset)
	case SeekEnd:
		origin = int64(desc.Node.Size())
	default:
		return 0, errBadWhence
	}

	if origin+offset < 0 {
		return 0, errNegativeSeek
	}

	desc.Offset = uint64(origin + offset)
	return desc.Offset, nil
}

func (r *Registry) currentLocked() (*Task, *kernel.Error) {
	if r.count == 0 {
		return nil, errNoTasks
	}
	return &r.tasks[r.currentID], nil
}

func (r *Registry) descriptorLocked(fd int) (*FileDescriptor, *kernel.Error) {
	t, err := r.currentLocked()
	if err != nil {
		return nil, err
	}

	if fd < 0 || fd >= MaxOpenFiles || t.files[fd].Node == nil {
		return nil, errBadDescriptor
	}
	return &t.files[fd], nil
}
