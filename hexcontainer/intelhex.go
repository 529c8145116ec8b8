// Package hexcontainer provides a default Intel-HEX reader implementing
// bootloader.Image, in the line-scanning style of a plain ":"-record
// parser: each record is hex-decoded, checksum-verified, and dispatched by
// record type into a run list addressed by absolute (base-relocated)
// memory address.
package hexcontainer

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"ppmboot/bootloader"
	"ppmboot/ppmerr"
)

const (
	recData               = 0x00
	recEndOfFile          = 0x01
	recExtendedSegment    = 0x02
	recStartSegment       = 0x03
	recExtendedLinear     = 0x04
	recStartLinear        = 0x05
)

// Image is a parsed Intel-HEX file: a list of contiguous data runs in
// ascending address order, satisfying bootloader.Image.
type Image struct {
	runs []bootloader.Run
}

// Parse reads an Intel-HEX file from r and returns the resulting sparse
// image. A malformed record (bad checksum, bad length, unknown type) is a
// hard parse error — a HEX image that can't be trusted isn't safe to
// program from silently.
func Parse(r io.Reader) (*Image, error) {
	scanner := bufio.NewScanner(r)

	var (
		baseAddr uint32
		runs     []bootloader.Run
		lineNo   int
	)

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] != ':' {
			return nil, ppmerr.Wrap(ppmerr.InvalidHex, fmt.Errorf("line %d: missing ':' marker", lineNo))
		}
		buf, err := hex.DecodeString(line[1:])
		if err != nil {
			return nil, ppmerr.Wrap(ppmerr.InvalidHex, fmt.Errorf("line %d: %w", lineNo, err))
		}
		if len(buf) < 5 {
			return nil, ppmerr.Wrap(ppmerr.InvalidHex, fmt.Errorf("line %d: record too short", lineNo))
		}
		byteCount := int(buf[0])
		if len(buf) != 5+byteCount {
			return nil, ppmerr.Wrap(ppmerr.InvalidHex, fmt.Errorf("line %d: length field %d does not match record size", lineNo, byteCount))
		}
		var sum byte
		for _, b := range buf {
			sum += b
		}
		if sum != 0 {
			return nil, ppmerr.Wrap(ppmerr.InvalidHex, fmt.Errorf("line %d: bad checksum", lineNo))
		}

		offset := uint32(buf[1])<<8 | uint32(buf[2])
		recType := buf[3]
		data := buf[4 : 4+byteCount]

		switch recType {
		case recData:
			addr := baseAddr + offset
			runs = appendRun(runs, addr, data)
		case recEndOfFile:
			// Nothing else on the line matters once EOF is seen, but some
			// files carry trailing blank lines; keep scanning harmlessly.
		case recExtendedSegment:
			if byteCount != 2 {
				return nil, ppmerr.Wrap(ppmerr.InvalidHex, fmt.Errorf("line %d: bad extended-segment record", lineNo))
			}
			seg := uint32(data[0])<<8 | uint32(data[1])
			baseAddr = seg * 16
		case recStartSegment:
			// CS:IP start address — irrelevant to a flat memory image.
		case recExtendedLinear:
			if byteCount != 2 {
				return nil, ppmerr.Wrap(ppmerr.InvalidHex, fmt.Errorf("line %d: bad extended-linear record", lineNo))
			}
			baseAddr = uint32(data[0])<<24 | uint32(data[1])<<16
		case recStartLinear:
			// Linear start address — irrelevant to a flat memory image.
		default:
			return nil, ppmerr.Wrap(ppmerr.InvalidHex, fmt.Errorf("line %d: unknown record type 0x%02x", lineNo, recType))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, ppmerr.Wrap(ppmerr.InvalidHex, err)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Address < runs[j].Address })
	return &Image{runs: runs}, nil
}

// appendRun extends the last run if it is adjacent to addr, otherwise
// starts a new one — the same coalescing lvdlvd-AN3155loader's Intel-HEX
// reader performs to avoid a run per 16- or 32-byte record.
func appendRun(runs []bootloader.Run, addr uint32, data []byte) []bootloader.Run {
	if n := len(runs); n > 0 {
		last := &runs[n-1]
		if last.Address+uint32(len(last.Data)) == addr {
			last.Data = append(last.Data, data...)
			return runs
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return append(runs, bootloader.Run{Address: addr, Data: cp})
}

// RunsIn implements bootloader.Image.
func (img *Image) RunsIn(start, length uint32) []bootloader.Run {
	end := start + length
	var out []bootloader.Run
	for _, r := range img.runs {
		rEnd := r.Address + uint32(len(r.Data))
		if rEnd <= start || r.Address >= end {
			continue
		}
		lo, hi := r.Address, rEnd
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		out = append(out, bootloader.Run{
			Address: lo,
			Data:    r.Data[lo-r.Address : hi-r.Address],
		})
	}
	return out
}
