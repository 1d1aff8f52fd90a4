package ring

import (
	"icc/layout"
	"icc/shm"
)

// Stats is a read-only snapshot of one ring header.
type Stats struct {
	Src        int    `json:"src"`
	Dst        int    `json:"dest"`
	Base       uint64 `json:"base"`
	SGI        uint32 `json:"sgi"`
	DescNum    uint32 `json:"desc_num"`
	DescBase   uint64 `json:"desc_base"`
	Head       uint32 `json:"head"`
	Tail       uint32 `json:"tail"`
	Busy       uint64 `json:"busy_counts"`
	Interrupts uint64 `json:"interrupt_counts"`
}

// Inspect reads the src → dst ring header without opening it for either side.
// Used to dump a region that this process did not initialise.
func Inspect(mem *shm.Region, g layout.Geometry, src, dst int) Stats {
	v := newView(mem, g, src, dst)
	return v.Stats()
}
