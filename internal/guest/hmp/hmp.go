// Package hmp scans the line-oriented text produced by QEMU's human monitor
// ("info registers", "xp" dumps).
//
// This is deliberately not a parser for the monitor's output format in
// general. Real monitor output is free-form and version-dependent, so the
// functions here extract exactly the fields the guest backends need by token
// scanning, and nothing else. Each function documents what it does when a
// field is absent or malformed; none of them return errors, because a miss is
// meaningful to the caller (the libvirt backend maps it to a zero register,
// the QMP backend to a hard failure).
package hmp

import (
	"encoding/binary"
	"strconv"
	"strings"
)

const (
	// WordsPerLine is the most 32-bit words "xp /NNxw" prints per line.
	WordsPerLine = 4
	// BytesPerLine is the most byte fields "xp /NNxb" prints per line.
	BytesPerLine = 8
)

// ScanRegister finds the first occurrence of token in text and parses the
// hexadecimal value following it, skipping any '=' and whitespace between
// token and value ("CR3=000000001986e000" and "IDT=     fffffe0000000000"
// both parse). Returns false if the token is absent or no hex digits follow
// it; the interpretation of a miss is the caller's.
func ScanRegister(text, token string) (uint64, bool) {
	i := strings.Index(text, token)
	if i < 0 {
		return 0, false
	}
	i += len(token)
	for i < len(text) && (text[i] == '=' || text[i] == ' ') {
		i++
	}
	j := i
	for j < len(text) && isHexDigit(text[j]) {
		j++
	}
	if j == i {
		return 0, false
	}
	v, err := strconv.ParseUint(text[i:j], 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseWordDump scans a word-granularity "xp" reply and assembles the dumped
// words into out in little-endian byte order, in the order they appear.
// Every line is expected to look like
//
//	000000001000: 0x6d766b20 0x656d642d 0x20676573 0x00000a0d
//
// with the leading address field ignored and up to four words following.
// Lines with fewer words contribute fewer bytes; unparseable fields end the
// line the way a scanf conversion failure would. Returns the number of bytes
// written; the caller detects an empty or alien reply by a zero count.
func ParseWordDump(text string, out []byte) int {
	var word [4]byte
	n := 0
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, f := range fields[1:min(len(fields), 1+WordsPerLine)] {
			v, ok := hexField(f, 32)
			if !ok {
				break
			}
			binary.LittleEndian.PutUint32(word[:], uint32(v))
			n += copy(out[n:], word[:])
			if n == len(out) {
				return n
			}
		}
	}
	return n
}

// ParseByteLine scans one logical line of a byte-granularity "xp" reply and
// returns the byte values found, up to eight. The leading address field is
// ignored; an unparseable field ends the scan for that line.
func ParseByteLine(line string) []byte {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	vals := make([]byte, 0, BytesPerLine)
	for _, f := range fields[1:min(len(fields), 1+BytesPerLine)] {
		v, ok := hexField(f, 8)
		if !ok {
			break
		}
		vals = append(vals, byte(v))
	}
	return vals
}

// hexField parses a monitor hex field of the form 0xNN.
func hexField(f string, bits int) (uint64, bool) {
	s, ok := strings.CutPrefix(f, "0x")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, false
	}
	return v, true
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
