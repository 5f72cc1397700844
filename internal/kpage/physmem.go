package kpage

import "sync"

// PhysMem is the host-process stand-in for actual RAM: bare metal can
// dereference a physical address directly, but a Go process on the host
// cannot, so every frame's byte contents live here instead, keyed by
// page-aligned physical address. internal/vaspace uses this for fork's
// bounce-buffer copy and for zeroing freshly reserved pages.
type PhysMem struct {
	mu    sync.Mutex
	pages map[uint64]*[PageSize4K]byte
}

// NewPhysMem constructs empty backing memory.
func NewPhysMem() *PhysMem {
	return &PhysMem{pages: make(map[uint64]*[PageSize4K]byte)}
}

func (p *PhysMem) pageFor(paddr uint64, create bool) *[PageSize4K]byte {
	base := paddr &^ (PageSize4K - 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	page, ok := p.pages[base]
	if !ok {
		if !create {
			return nil
		}
		page = &[PageSize4K]byte{}
		p.pages[base] = page
	}
	return page
}

// ReadPage returns a copy of the 4 KiB page containing paddr. Reading an
// untouched page returns all zeroes, matching a freshly allocated frame.
func (p *PhysMem) ReadPage(paddr uint64) [PageSize4K]byte {
	page := p.pageFor(paddr, false)
	if page == nil {
		return [PageSize4K]byte{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return *page
}

// WritePage overwrites the 4 KiB page containing paddr with data.
func (p *PhysMem) WritePage(paddr uint64, data [PageSize4K]byte) {
	page := p.pageFor(paddr, true)
	p.mu.Lock()
	defer p.mu.Unlock()
	*page = data
}

// Free drops the backing storage for the page containing paddr, so a
// later allocation of that frame starts zeroed again.
func (p *PhysMem) Free(paddr uint64) {
	base := paddr &^ (PageSize4K - 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pages, base)
}
