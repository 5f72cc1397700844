package kobject

import "github.com/pincerOS/kernel-sub001/internal/ksync"

// semImpl adapts ksync.Semaphore (spec.md §4.7/§6.1's sem_create/up/down
// kernel object) to the Impl interface, so a semaphore can live in an fd
// table and be transferred through a channel message like any other
// kernel object.
type semImpl struct {
	sem *ksync.Semaphore
}

func (s *semImpl) Kind() Kind    { return KindSemaphore }
func (s *semImpl) Close() error  { return nil }

// NewSemaphore wraps a fresh ksync.Semaphore as a refcounted kernel
// object, per spec.md §6.1's sem_create(initial) -> fd.
func NewSemaphore(rq ksync.RunQueue, initial int64) *Object {
	return New(&semImpl{sem: ksync.NewSemaphore(rq, initial)})
}

// AsSemaphore type-asserts obj's underlying implementation back to its
// *ksync.Semaphore, for sem_up/sem_down handlers. Reports ok=false if obj
// does not wrap a semaphore.
func AsSemaphore(obj *Object) (sem *ksync.Semaphore, ok bool) {
	impl, ok := obj.Impl().(*semImpl)
	if !ok {
		return nil, false
	}
	return impl.sem, true
}
