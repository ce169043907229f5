package hmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const registersReply = "RAX=ffffffff8101c9a0 RBX=ffffffff818e2880\n" +
	"CS =0010 0000000000000000 ffffffff 00a09b00\n" +
	"IDT=ffff800000000000 00000fff\n" +
	"CR0=80050033 CR2=00007f1200000000 CR3=1a2b3c CR4=0\n" +
	"EFER=0000000000000d01\n"

func TestScanRegister(t *testing.T) {
	t.Run("extracts all three in any order", func(t *testing.T) {
		cr3, ok := ScanRegister(registersReply, "CR3")
		assert.True(t, ok)
		assert.Equal(t, uint64(0x1a2b3c), cr3)

		cr4, ok := ScanRegister(registersReply, "CR4")
		assert.True(t, ok)
		assert.Equal(t, uint64(0), cr4)

		idt, ok := ScanRegister(registersReply, "IDT")
		assert.True(t, ok)
		assert.Equal(t, uint64(0xffff800000000000), idt)
	})

	t.Run("whitespace between token and value", func(t *testing.T) {
		v, ok := ScanRegister("IDT=     fffffe0000000000 00000fff", "IDT")
		assert.True(t, ok)
		assert.Equal(t, uint64(0xfffffe0000000000), v)
	})

	t.Run("missing token", func(t *testing.T) {
		v, ok := ScanRegister("CR0=80050033 CR2=0", "IDT")
		assert.False(t, ok)
		assert.Zero(t, v)
	})

	t.Run("token with no value", func(t *testing.T) {
		_, ok := ScanRegister("IDT=", "IDT")
		assert.False(t, ok)
	})
}

func TestParseWordDump(t *testing.T) {
	t.Run("full lines little endian", func(t *testing.T) {
		text := "0000000000001000: 0x11223344 0x55667788 0x99aabbcc 0xddeeff00\n" +
			"0000000000001010: 0x01020304\n"
		out := make([]byte, 20)
		n := ParseWordDump(text, out)
		assert.Equal(t, 20, n)
		assert.Equal(t, []byte{
			0x44, 0x33, 0x22, 0x11,
			0x88, 0x77, 0x66, 0x55,
			0xcc, 0xbb, 0xaa, 0x99,
			0x00, 0xff, 0xee, 0xdd,
			0x04, 0x03, 0x02, 0x01,
		}, out)
	})

	t.Run("stops when out is full", func(t *testing.T) {
		text := "1000: 0x11223344 0x55667788\n"
		out := make([]byte, 4)
		assert.Equal(t, 4, ParseWordDump(text, out))
		assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, out)
	})

	t.Run("unparseable field ends the line", func(t *testing.T) {
		text := "1000: 0x11223344 garbage 0x55667788\n"
		out := make([]byte, 12)
		assert.Equal(t, 4, ParseWordDump(text, out))
	})

	t.Run("alien reply yields zero bytes", func(t *testing.T) {
		out := make([]byte, 8)
		assert.Zero(t, ParseWordDump("Cannot access memory\n", out))
	})
}

func TestParseByteLine(t *testing.T) {
	t.Run("eight fields", func(t *testing.T) {
		vals := ParseByteLine("0000000000001000: 0x68 0x65 0x6c 0x6c 0x6f 0x21 0x0d 0x0a")
		assert.Equal(t, []byte{0x68, 0x65, 0x6c, 0x6c, 0x6f, 0x21, 0x0d, 0x0a}, vals)
	})

	t.Run("short line", func(t *testing.T) {
		vals := ParseByteLine("0000000000001008: 0xde 0xad")
		assert.Equal(t, []byte{0xde, 0xad}, vals)
	})

	t.Run("address only", func(t *testing.T) {
		assert.Empty(t, ParseByteLine("0000000000001008:"))
	})

	t.Run("empty line", func(t *testing.T) {
		assert.Empty(t, ParseByteLine(""))
	})
}
