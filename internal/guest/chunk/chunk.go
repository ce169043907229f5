// Package chunk splits large guest memory reads into bounded monitor
// exchanges.
//
// The monitor command line has a practical length and addressing limit, and
// the hypervisor-side dump command is line oriented, so a single exchange
// only moves a small amount of data comfortably. Both monitor backends
// instantiate Read over their single-shot query.
package chunk

// PartSize is the transfer unit for a single monitor exchange.
const PartSize = 4096

// PartFunc performs one bounded transfer, filling out with the guest memory
// at addr. len(out) never exceeds PartSize.
type PartFunc func(addr uint64, out []byte) error

// Read fills buf with guest memory starting at addr using repeated PartSize
// transfers plus one final transfer for the remainder. The first failing part
// aborts the read; bytes written by earlier parts are left in buf as-is.
func Read(addr uint64, buf []byte, part PartFunc) error {
	for len(buf) > 0 {
		n := min(PartSize, len(buf))
		if err := part(addr, buf[:n]); err != nil {
			return err
		}
		addr += uint64(n)
		buf = buf[n:]
	}
	return nil
}
