package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslatorToPhys(t *testing.T) {
	tr := Translator{PhysBase: 0x1000000}

	t.Run("direct map below kernel text boundary", func(t *testing.T) {
		assert.Equal(t, uint64(0x1234), tr.ToPhys(PageOffset+0x1234, KernelVirtual))
	})

	t.Run("kernel text at boundary", func(t *testing.T) {
		assert.Equal(t, uint64(0x1000000), tr.ToPhys(StartKernelMap, KernelVirtual))
	})

	t.Run("kernel text above boundary", func(t *testing.T) {
		assert.Equal(t, uint64(0x2000000), tr.ToPhys(0xffffffff81000000, KernelVirtual))
	})

	t.Run("physical passes through", func(t *testing.T) {
		assert.Equal(t, uint64(0xdeadbeef), tr.ToPhys(0xdeadbeef, Physical))
	})

	t.Run("zero phys base", func(t *testing.T) {
		tr := Translator{}
		assert.Equal(t, uint64(0x1c9a0), tr.ToPhys(0xffffffff8001c9a0, KernelVirtual))
	})
}
