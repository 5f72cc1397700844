package kobject

import (
	"sync"

	"github.com/pincerOS/kernel-sub001/internal/errno"
)

// Table is a per-process file-descriptor table, protected by a per-process
// lock per spec.md §5 ("Per-process FD tables are protected by a
// per-process lock"). Fd numbers are allocated lowest-first, matching the
// POSIX dup3/openat convention the syscall table in spec.md §6.1 assumes.
type Table struct {
	mu      sync.Mutex
	entries map[int]*Object
}

// NewTable constructs an empty fd table.
func NewTable() *Table {
	return &Table{entries: make(map[int]*Object)}
}

// Insert allocates the lowest unused fd for obj and returns it.
func (t *Table) Insert(obj *Object) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.allocLocked()
	t.entries[fd] = obj
	return fd
}

// InsertAt installs obj at an explicit fd number, replacing (and
// unref'ing) whatever was there before — dup3(old, new, flags)'s shape.
func (t *Table) InsertAt(fd int, obj *Object) {
	t.mu.Lock()
	old, existed := t.entries[fd]
	t.entries[fd] = obj
	t.mu.Unlock()
	if existed {
		old.Unref()
	}
}

// allocLocked scans from 0 for the lowest unused fd, matching POSIX's
// lowest-available-fd convention: a closed fd is reused by the next
// Insert, rather than leaving a gap behind a monotonic cursor.
func (t *Table) allocLocked() int {
	fd := 0
	for {
		if _, used := t.entries[fd]; !used {
			return fd
		}
		fd++
	}
}

// Get looks up fd, reporting errno.EBADF if it is unallocated.
func (t *Table) Get(fd int) (*Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.entries[fd]
	if !ok {
		return nil, errno.EBADF
	}
	return obj, nil
}

// Dup3 duplicates old onto new (ref'ing the same underlying object),
// per spec.md §6.1's dup3 syscall.
func (t *Table) Dup3(old, new int) error {
	t.mu.Lock()
	obj, ok := t.entries[old]
	t.mu.Unlock()
	if !ok {
		return errno.EBADF
	}
	obj.Ref()
	t.InsertAt(new, obj)
	return nil
}

// Close removes fd from the table and unrefs its object, per spec.md
// §6.1's close syscall.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	obj, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	t.mu.Unlock()
	if !ok {
		return errno.EBADF
	}
	obj.Unref()
	return nil
}

// CloseAll tears down every entry, as process exit does.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[int]*Object)
	t.mu.Unlock()
	for _, obj := range entries {
		obj.Unref()
	}
}

// Clone produces a new table sharing every entry's underlying object
// (ref'd once per entry), as fork() hands a child process the same open
// files, pipes, channels, and semaphores as its parent.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := &Table{entries: make(map[int]*Object, len(t.entries))}
	for fd, obj := range t.entries {
		obj.Ref()
		clone.entries[fd] = obj
	}
	return clone
}

// Len reports the number of currently open descriptors. Intended for
// tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
