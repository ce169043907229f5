// Package arch converts x86-64 kernel virtual addresses to physical
// addresses using the linear direct-map rule.
//
// There is no page-table walk here. The conversion assumes the kernel's
// direct/linear mapping and is only valid for addresses inside it; callers
// handing in vmalloc or module addresses get garbage back, which is an
// accepted limitation of the whole tool.
package arch

// AddrClass tells the translator how to interpret an address.
type AddrClass int

const (
	// KernelVirtual is an address in the kernel's linear mapping.
	KernelVirtual AddrClass = iota
	// Physical is already a physical address and passes through unchanged.
	Physical
)

const (
	// PageOffset is the base of the x86-64 direct mapping of all physical
	// memory (4-level paging).
	PageOffset = 0xffff888000000000

	// StartKernelMap is the base of the kernel text mapping. Addresses at or
	// above it translate through the per-machine physical load base instead
	// of the direct map.
	StartKernelMap = 0xffffffff80000000
)

// Registers is the control register state a backend retrieves from the
// guest. Values are produced fresh on every query. Not every backend
// populates CR4; callers treating an all-zero set should suspect a parsing
// miss rather than a halted guest.
type Registers struct {
	CR3  uint64 // page-table base
	CR4  uint64
	IDTR uint64 // interrupt descriptor table base
}

// Translator applies the linear translation rule for one machine.
type Translator struct {
	// PhysBase is the physical address the kernel text was loaded at. Zero
	// on machines without relocation.
	PhysBase uint64
}

// ToPhys translates addr according to its class.
func (t Translator) ToPhys(addr uint64, class AddrClass) uint64 {
	if class == Physical {
		return addr
	}
	if addr >= StartKernelMap {
		return addr - StartKernelMap + t.PhysBase
	}
	return addr - PageOffset
}
