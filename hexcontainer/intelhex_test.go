package hexcontainer

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppmboot/bootloader"
	"ppmboot/ppmerr"
)

func hexLine(offset uint16, recType byte, data []byte) string {
	byteCount := byte(len(data))
	sum := byteCount + byte(offset>>8) + byte(offset) + recType
	for _, b := range data {
		sum += b
	}
	checksum := byte(-int8(sum))
	return fmt.Sprintf(":%02X%04X%02X%s%02X", byteCount, offset, recType, strings.ToUpper(hex.EncodeToString(data)), checksum)
}

func TestParseCoalescesAdjacentDataRecords(t *testing.T) {
	src := strings.Join([]string{
		hexLine(0x0000, recData, []byte{0x01, 0x02}),
		hexLine(0x0002, recData, []byte{0x03, 0x04}),
		hexLine(0x0064, recData, []byte{0xAA}),
		hexLine(0x0000, recEndOfFile, nil),
	}, "\n")

	img, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	runs := img.RunsIn(0, 200)
	require.Len(t, runs, 2)
	assert.Equal(t, bootloader.Run{Address: 0, Data: []byte{0x01, 0x02, 0x03, 0x04}}, runs[0])
	assert.Equal(t, bootloader.Run{Address: 0x64, Data: []byte{0xAA}}, runs[1])
}

func TestParseAppliesExtendedLinearBaseAddress(t *testing.T) {
	src := strings.Join([]string{
		hexLine(0x0000, recExtendedLinear, []byte{0x00, 0x01}), // base = 0x00010000
		hexLine(0x0010, recData, []byte{0x7F}),
		hexLine(0x0000, recEndOfFile, nil),
	}, "\n")

	img, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	runs := img.RunsIn(0x00010000, 0x100)
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(0x00010010), runs[0].Address)
	assert.Equal(t, []byte{0x7F}, runs[0].Data)
}

func TestParseAppliesExtendedSegmentBaseAddress(t *testing.T) {
	src := strings.Join([]string{
		hexLine(0x0000, recExtendedSegment, []byte{0x10, 0x00}), // base = 0x1000 * 16 = 0x10000
		hexLine(0x0004, recData, []byte{0x11}),
	}, "\n")

	img, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	runs := img.RunsIn(0x10000, 0x100)
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(0x10004), runs[0].Address)
}

func TestParseRejectsMissingColonMarker(t *testing.T) {
	_, err := Parse(strings.NewReader("not a hex record"))
	require.Error(t, err)
	assert.Equal(t, ppmerr.InvalidHex, ppmerr.CodeOf(err))
}

func TestParseRejectsBadChecksum(t *testing.T) {
	line := hexLine(0, recData, []byte{0x01})
	corrupted := line[:len(line)-2] + "00"
	_, err := Parse(strings.NewReader(corrupted))
	require.Error(t, err)
	assert.Equal(t, ppmerr.InvalidHex, ppmerr.CodeOf(err))
}

func TestParseRejectsLengthMismatch(t *testing.T) {
	line := hexLine(0, recData, []byte{0x01, 0x02})
	truncated := line[:len(line)-4] // drop the checksum and one data byte's worth of hex chars
	_, err := Parse(strings.NewReader(truncated))
	require.Error(t, err)
	assert.Equal(t, ppmerr.InvalidHex, ppmerr.CodeOf(err))
}

func TestParseRejectsUnknownRecordType(t *testing.T) {
	line := hexLine(0, 0x07, nil)
	_, err := Parse(strings.NewReader(line))
	require.Error(t, err)
	assert.Equal(t, ppmerr.InvalidHex, ppmerr.CodeOf(err))
}

func TestParseIgnoresBlankLinesAfterEOF(t *testing.T) {
	src := strings.Join([]string{
		hexLine(0, recData, []byte{0x01}),
		hexLine(0, recEndOfFile, nil),
		"",
		"",
	}, "\n")
	_, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
}

func TestRunsInClipsPartialOverlap(t *testing.T) {
	img := &Image{runs: []bootloader.Run{{Address: 10, Data: []byte{1, 2, 3, 4, 5}}}}
	runs := img.RunsIn(12, 2)
	require.Len(t, runs, 1)
	assert.Equal(t, uint32(12), runs[0].Address)
	assert.Equal(t, []byte{3, 4}, runs[0].Data)
}

func TestRunsInExcludesNonOverlapping(t *testing.T) {
	img := &Image{runs: []bootloader.Run{{Address: 100, Data: []byte{1}}}}
	assert.Empty(t, img.RunsIn(0, 10))
}
