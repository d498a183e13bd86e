// Package page models the single piece of kernel state a far-memory I/O
// touches: a page's lock bit and its up-to-date bit. The real page-cache
// and rmap machinery belongs to the host kernel; this is the minimal
// surface the transport's completion callback needs to rendezvous with a
// faulting or writeback thread.
package page

import "sync/atomic"

// Page is a page-granular unit of remote I/O. It starts locked, mirroring
// the kernel convention of locking a page before submitting its I/O and
// unlocking it from the completion path.
type Page struct {
	// Offset is the swap-entry page offset this Page represents.
	Offset uint64

	locked   atomic.Bool
	upToDate atomic.Bool
}

// New returns a Page for offset, initially locked and not up to date.
func New(offset uint64) *Page {
	p := &Page{Offset: offset}
	p.locked.Store(true)
	return p
}

// Lock marks the page locked.
func (p *Page) Lock() { p.locked.Store(true) }

// Unlock marks the page unlocked, waking anything rendezvousing on it.
func (p *Page) Unlock() { p.locked.Store(false) }

// Locked reports whether the page is currently locked.
func (p *Page) Locked() bool { return p.locked.Load() }

// MarkUpToDate marks the page's contents valid.
func (p *Page) MarkUpToDate() { p.upToDate.Store(true) }

// UpToDate reports whether the page's contents have been marked valid.
func (p *Page) UpToDate() bool { return p.upToDate.Load() }
