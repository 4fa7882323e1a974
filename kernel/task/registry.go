package task

import (
	"nestos/kernel"
	"nestos/kernel/cpu"
	"nestos/kernel/fs"
	"nestos/kernel/kfmt"
	"nestos/kernel/mm"
	"nestos/kernel/mm/vmm"
	"nestos/kernel/sync"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	jumpToEntryFn    = cpu.JumpToEntry
	restoreContextFn = cpu.RestoreContext

	// saveContextHook, when set by tests, runs instead of cpu.SaveContext.
	// The real primitive is always called directly so the saved
	// continuation points into Execute.
	saveContextHook func(*cpu.Context) cpu.ContextResult

	errNotConfigured    = &kernel.Error{Module: "task", Message: "task registry is not configured"}
	errIncompleteConfig = &kernel.Error{Module: "task", Message: "task registry configuration is incomplete"}
	errAlreadyStarted   = &kernel.Error{Module: "task", Message: "bootstrap task already started"}
	errNoTasks          = &kernel.Error{Module: "task", Message: "no task is running"}
	errTooManyTasks     = &kernel.Error{Module: "task", Message: "maximum task nesting depth reached"}
	errExitBootstrap    = &kernel.Error{Module: "task", Message: "the bootstrap task cannot exit"}
	errNotExecutable    = &kernel.Error{Module: "task", Message: "path does not name a regular file"}
	errEmptyImage       = &kernel.Error{Module: "task", Message: "program image is empty"}
	errImageTooLarge    = &kernel.Error{Module: "task", Message: "program image does not fit in the code pages"}
	errShortRead        = &kernel.Error{Module: "task", Message: "could not read the whole program image"}
	errLayout           = &kernel.Error{Module: "task", Message: "program pages were not mapped at their fixed addresses"}
)

// Heap provides the scratch buffer used while loading program images.
type Heap interface {
	AllocBytes(size uintptr) ([]byte, *kernel.Error)
	FreeBytes(buf []byte) *kernel.Error
}

// FileSystem resolves paths to nodes.
type FileSystem interface {
	Open(path string) (fs.Node, *kernel.Error)
}

// Config lists the collaborators of a Registry.
type Config struct {
	// KernelSpace supplies the upper half of every task's tables.
	KernelSpace *vmm.AddressSpace

	Heap Heap
	FS   FileSystem

	// Console is opened as descriptor 0 of every task.
	Console string
}

// Registry tracks the live tasks. Tasks are only ever appended (Init,
// Execute) or removed from the end (Exit).
type Registry struct {
	mutex sync.Spinlock

	cfg   Config
	ready bool

	tasks     [MaxTasks]Task
	count     int
	currentID int

	// exited is the task whose resources are released by its parent once
	// the parent resumes.
	exited *Task
}

// Setup records the registry collaborators.
func (r *Registry) Setup(cfg Config) *kernel.Error {
	if cfg.KernelSpace == nil || cfg.Heap == nil || cfg.FS == nil || cfg.Console == "" {
		return errIncompleteConfig
	}

	r.mutex.Acquire()
	defer r.mutex.Release()

	if r.count != 0 {
		return errAlreadyStarted
	}

	r.cfg = cfg
	r.ready = true
	return nil
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mutex.Acquire()
	defer r.mutex.Release()
	return r.count
}

// CurrentID returns the ID of the running task.
func (r *Registry) CurrentID() int {
	r.mutex.Acquire()
	defer r.mutex.Release()
	return r.currentID
}

// Current returns the running task or nil when no task has started.
func (r *Registry) Current() *Task {
	r.mutex.Acquire()
	defer r.mutex.Release()

	if r.count == 0 {
		return nil
	}
	return &r.tasks[r.currentID]
}

// Task returns the task with the given ID, or nil if it is not live.
func (r *Registry) Task(id int) *Task {
	r.mutex.Acquire()
	defer r.mutex.Release()

	if id < 0 || id >= r.count {
		return nil
	}
	return &r.tasks[id]
}

// Init loads the program at path as the bootstrap task and jumps to it. It
// only returns if the task could not be created, in which case the registry
// stays empty.
func (r *Registry) Init(path string) *kernel.Error {
	r.mutex.Acquire()

	switch {
	case !r.ready:
		r.mutex.Release()
		return errNotConfigured
	case r.count != 0:
		r.mutex.Release()
		return errAlreadyStarted
	}

	t := &r.tasks[0]
	if err := r.load(t, 0, path); err != nil {
		r.mutex.Release()
		return err
	}

	t.State = Running
	r.count, r.currentID = 1, 0
	r.mutex.Release()

	kfmt.Printf("[task] starting %s as task 0 (entry 0x%x, stack 0x%x)\n", path, t.entry, t.stackTop)
	jumpToEntryFn(t.Space.PDT(), t.entry, t.stackTop)
	return nil
}

// Execute spawns the program at path as a child of the running task and
// suspends the caller until the child exits. Failing to create the child
// returns an error and leaves the registry unchanged.
func (r *Registry) Execute(path string) *kernel.Error {
	r.mutex.Acquire()
	switch {
	case r.count == 0:
		r.mutex.Release()
		return errNoTasks
	case r.count == MaxTasks:
		r.mutex.Release()
		return errTooManyTasks
	}
	parent := &r.tasks[r.currentID]
	r.mutex.Release()

	var res cpu.ContextResult
	if saveContextHook != nil {
		res = saveContextHook(&parent.Regs)
	} else {
		res = cpu.SaveContext(&parent.Regs)
	}

	r.mutex.Acquire()
	if res == cpu.ContextRestored {
		r.releaseExited()
		r.mutex.Release()
		return nil
	}

	child := &r.tasks[r.count]
	if err := r.load(child, r.count, path); err != nil {
		r.mutex.Release()
		return err
	}

	parent.State = Suspended
	child.State = Running
	r.count++
	r.currentID = child.ID
	r.mutex.Release()

	kfmt.Printf("[task] task %d spawned task %d from %s\n", parent.ID, child.ID, path)
	jumpToEntryFn(child.Space.PDT(), child.entry, child.stackTop)
	return nil
}

// Exit terminates the running task and resumes its parent right after the
// Execute call that spawned it. The parent releases the child's memory once
// it runs again, as the child's stack is not mapped in the parent's address
// space. Exit only returns on error.
func (r *Registry) Exit() *kernel.Error {
	r.mutex.Acquire()
	switch {
	case r.count == 0:
		r.mutex.Release()
		return errNoTasks
	case r.count == 1:
		r.mutex.Release()
		return errExitBootstrap
	}

	child := &r.tasks[r.count-1]
	parent := &r.tasks[r.count-2]

	child.State = Terminated
	parent.State = Running
	r.count--
	r.currentID = parent.ID
	r.exited = child
	r.mutex.Release()

	restoreContextFn(&parent.Regs, parent.Space.PDT())
	return nil
}

// load prepares t to run the program at path: descriptor 0 is the console and
// the image is copied to CodeAddr of a fresh address space with the heap at
// HeapAddr and the stack at StackAddr. On failure nothing stays allocated.
func (r *Registry) load(t *Task, id int, path string) *kernel.Error {
	console, err := r.cfg.FS.Open(r.cfg.Console)
	if err != nil {
		return err
	}

	image, err := r.cfg.FS.Open(path)
	if err != nil {
		return err
	}

	switch size := image.Size(); {
	case image.Kind() != fs.KindFile:
		return errNotExecutable
	case size == 0:
		return errEmptyImage
	case size > uint64(codePages*mm.PageSize):
		return errImageTooLarge
	}

	buf, err := r.cfg.Heap.AllocBytes(uintptr(image.Size()))
	if err != nil {
		return err
	}
	defer r.cfg.Heap.FreeBytes(buf)

	if read, err := image.Read(0, buf); err != nil {
		return err
	} else if read != len(buf) {
		return errShortRead
	}

	if err = t.Space.InitUser(r.cfg.KernelSpace, programSlot); err != nil {
		return err
	}

	layout := [3]struct {
		addr  uintptr
		count int
	}{
		{CodeAddr, codePages},
		{HeapAddr, heapPages},
		{StackAddr, stackPages},
	}
	for _, region := range layout {
		page, err := t.Space.AllocPages(region.count)
		if err == nil && page.Address() != region.addr {
			err = errLayout
		}
		if err != nil {
			t.Space.Destroy()
			return err
		}
	}

	if err = t.Space.CopyIn(CodeAddr, buf); err != nil {
		t.Space.Destroy()
		return err
	}

	t.ID = id
	t.State = Created
	t.Regs = cpu.Context{}
	t.entry = CodeAddr
	t.stackTop = StackAddr + stackPages*mm.PageSize - stackReserve
	t.files = [MaxOpenFiles]FileDescriptor{{Node: console}}
	return nil
}

// releaseExited frees the layout pages and address space of the task that
// exited last. It runs on the parent's stack with the parent's tables
// active.
func (r *Registry) releaseExited() {
	t := r.exited
	if t == nil {
		return
	}
	r.exited = nil

	for i := 0; i < layoutPages; i++ {
		t.Space.FreeAddr(CodeAddr + uintptr(i)*mm.PageSize)
	}

	if err := t.Space.Destroy(); err != nil {
		kfmt.Printf("[task] unable to release address space of task %d: %s\n", t.ID, err.Message)
	}
	t.files = [MaxOpenFiles]FileDescriptor{}
}
