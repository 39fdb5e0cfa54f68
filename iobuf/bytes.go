package iobuf

import (
	"unsafe"

	"iobuf/mem"
	"iobuf/vmspace"
)

// fragmentBytes returns a byte slice viewing the whole of fragment f.
// Fragments backed by an arena physical page resolve through Dmap,
// starting at the fragment's offset within its first page; an
// AllocatePaged fragment carries its own Go memory; a fragment with
// only a virtual address (CreateFromVector, and CreateFromRange
// without locking) is reached the same way a real kernel's
// K2user/User2k would reach it, through that address directly rather
// than a panic.
func (b *IoBuffer) fragmentBytes(f *Fragment) []byte {
	if f.bytes != nil {
		return f.bytes
	}
	if f.PA != mem.NoPA {
		off := mem.PageOffset(f.PA)
		return b.arena.Dmap(f.PA)[off : off+f.Size]
	}
	if f.VA != vmspace.NoVA {
		return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(f.VA))), f.Size)
	}
	panic("iobuf: fragment has neither physical backing nor direct bytes")
}

// Increment adjusts current_offset forward by n, preserving
// 0 <= current_offset <= total_size.
func (b *IoBuffer) Increment(n int) {
	b.CurrentOffset += n
	if b.CurrentOffset > b.TotalSize || b.CurrentOffset < 0 {
		panic("iobuf: offset increment out of range")
	}
}

// Decrement adjusts current_offset backward by n.
func (b *IoBuffer) Decrement(n int) {
	b.CurrentOffset -= n
	if b.CurrentOffset > b.TotalSize || b.CurrentOffset < 0 {
		panic("iobuf: offset decrement out of range")
	}
}

// PhysicalAddressAt locates the fragment covering current_offset+off
// by accumulating fragment sizes, and returns its physical address or
// mem.NoPA (spec §4.4).
func (b *IoBuffer) PhysicalAddressAt(off int) mem.Pa_t {
	target := b.CurrentOffset + off
	base := 0
	for i := range b.Fragments {
		f := &b.Fragments[i]
		if target >= base && target < base+f.Size {
			if f.PA == mem.NoPA {
				return mem.NoPA
			}
			return f.PA + mem.Pa_t(target-base)
		}
		base += f.Size
	}
	return mem.NoPA
}

// locate finds the fragment index and intra-fragment offset covering
// byte offset target (absolute, i.e. already including current_offset).
func (b *IoBuffer) locate(target int) (fragIdx, fragOff int, ok bool) {
	base := 0
	for i := range b.Fragments {
		sz := b.Fragments[i].Size
		if target >= base && target < base+sz {
			return i, target - base, true
		}
		base += sz
	}
	if target == base {
		// exactly at the end: valid as a zero-length cursor position.
		return len(b.Fragments), 0, true
	}
	return 0, 0, false
}
