package bootloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeImage struct {
	runs []Run
}

func (f fakeImage) RunsIn(start, length uint32) []Run {
	var out []Run
	for _, r := range f.runs {
		end := r.Address + uint32(len(r.Data))
		if end <= start || r.Address >= start+length {
			continue
		}
		out = append(out, r)
	}
	return out
}

func TestFillGapsFillsUncoveredBytes(t *testing.T) {
	img := fakeImage{runs: []Run{{Address: 2, Data: []byte{0xAA, 0xBB}}}}
	out := FillGaps(img, 0, 6, 0xFF)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xAA, 0xBB, 0xFF, 0xFF}, out)
}

func TestFillGapsClipsRunsExceedingLength(t *testing.T) {
	img := fakeImage{runs: []Run{{Address: 0, Data: []byte{1, 2, 3, 4, 5}}}}
	out := FillGaps(img, 0, 3, 0)
	assert.Equal(t, []byte{1, 2, 3}, out)
}

func TestFillGapsWithNoRunsIsAllFiller(t *testing.T) {
	out := FillGaps(fakeImage{}, 10, 4, 0x5A)
	assert.Equal(t, []byte{0x5A, 0x5A, 0x5A, 0x5A}, out)
}

func TestCoveredReflectsAnyOverlap(t *testing.T) {
	img := fakeImage{runs: []Run{{Address: 100, Data: []byte{1}}}}
	assert.True(t, Covered(img, 99, 4))
	assert.False(t, Covered(img, 0, 50))
}
