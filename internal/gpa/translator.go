// File: internal/gpa/translator.go
// Package gpa implements guest-physical-address translation over the set
// of memory regions a guest session has installed via SET_MEM_TABLE.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package gpa

import "github.com/pvnet/hvbackend/api"

// Region describes one guest-physical-address range mapped into host
// memory. Host must already be the mmap'd slice backing this region
// (offset MMapOffset applied by the caller); Table never calls mmap
// itself — that belongs to the control-plane collaborator that owns the
// SET_MEM_TABLE handler.
type Region struct {
	GPAStart   uint64
	GPAEnd     uint64
	Host       []byte
	MMapOffset uint64
}

func (r Region) size() uint64 { return r.GPAEnd - r.GPAStart }

// covers reports whether [gpa, gpa+length) lies entirely inside r.
func (r Region) covers(gpaStart uint64, length uint32) bool {
	if length == 0 {
		return false
	}
	end := gpaStart + uint64(length)
	if end < gpaStart {
		return false // overflow
	}
	return gpaStart >= r.GPAStart && end <= r.GPAEnd
}

// Table is a small table of installed memory regions with MRU
// promotion, as described in spec.md §4.1.
//
// Thread-safety: installation happens only from the control thread,
// while the owning guest's worker is halted (!running); the table is
// stable while the worker runs a translation loop, so the MRU swap in
// Translate is a plain, unsynchronized slice swap. This is only safe
// because the spec's concurrency model restricts a Table to a single
// reader goroutine (the worker). If a future extension shares one Table
// across multiple worker goroutines, the MRU swap must be replaced with
// a per-worker cached index instead of mutating shared state — this is
// an explicit open point carried over from the design notes, not an
// oversight.
type Table struct {
	regions []Region
}

// NewTable returns an empty translation table.
func NewTable() *Table {
	return &Table{}
}

// Install replaces the region set. Regions must individually satisfy
// gpa_start <= gpa_end (degenerate, zero-length regions are rejected)
// and must be pairwise non-overlapping across the whole table.
func (t *Table) Install(regions []Region) error {
	for _, r := range regions {
		if r.GPAStart == r.GPAEnd {
			return api.ErrDegenerateRegion
		}
		if r.GPAStart > r.GPAEnd {
			return api.ErrDegenerateRegion
		}
	}
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			if regions[i].GPAStart < regions[j].GPAEnd && regions[j].GPAStart < regions[i].GPAEnd {
				return api.ErrRegionOverlap
			}
		}
	}
	cp := make([]Region, len(regions))
	copy(cp, regions)
	t.regions = cp
	return nil
}

// Len returns the number of installed regions.
func (t *Table) Len() int { return len(t.regions) }

// Translate resolves [gpa, gpa+length) to a host-visible slice. A
// zero-length query is invalid and always returns (nil, false).
//
// On a hit at an index other than 0, the hit region is swapped into
// slot 0 so that the common case of repeated access to the same region
// (e.g. a guest's descriptor ring, reused every packet) degenerates to a
// single-comparison lookup on the next call.
func (t *Table) Translate(gpa uint64, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, false
	}
	for i := range t.regions {
		r := &t.regions[i]
		if r.covers(gpa, length) {
			off := gpa - r.GPAStart
			host := r.Host[off : off+uint64(length)]
			if i != 0 {
				t.regions[0], t.regions[i] = t.regions[i], t.regions[0]
			}
			return host, true
		}
	}
	return nil, false
}

var _ api.Translator = (*Table)(nil)
