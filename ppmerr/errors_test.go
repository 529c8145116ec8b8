package ppmerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStableCodeValues(t *testing.T) {
	// These numeric values are a wire-level contract (§6); they must never
	// shift even as new codes are added.
	cases := map[Code]int32{
		Ok:                 0,
		UnknownFail:        -1,
		Internal:           -2,
		SetBaud:            -16,
		EnterPpm:           -17,
		Calibration:        -18,
		Unlock:             -19,
		ChipNotSupported:   -20,
		ActionNotSupported: -21,
		InvalidHex:         -22,
		MissingData:        -23,
		ProgrammingFailed:  -24,
		VerifyFailed:       -25,
	}
	for code, want := range cases {
		assert.Equal(t, want, int32(code))
	}
}

func TestSupplementedCodesAvoidReservedRange(t *testing.T) {
	for _, c := range []Code{InvalidArg, DecodeFraming, DecodeTiming} {
		assert.Less(t, int32(c), int32(-25), "supplemented code must fall outside the stable -16..-25 table")
	}
}

func TestNewAndCodeOf(t *testing.T) {
	err := New(Unlock)
	require.Error(t, err)
	assert.Equal(t, Unlock, CodeOf(err))
}

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ProgrammingFailed, cause)
	assert.Equal(t, ProgrammingFailed, CodeOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestCodeOfNilAndForeignErrors(t *testing.T) {
	assert.Equal(t, Ok, CodeOf(nil))
	assert.Equal(t, UnknownFail, CodeOf(errors.New("not ours")))
}

func TestIsMatchesByCodeOnly(t *testing.T) {
	a := Wrap(VerifyFailed, errors.New("first"))
	b := New(VerifyFailed)
	assert.True(t, errors.Is(a, b))
}

func TestStringNamesAllCodes(t *testing.T) {
	for _, c := range []Code{Ok, UnknownFail, Internal, SetBaud, EnterPpm, Calibration,
		Unlock, ChipNotSupported, ActionNotSupported, InvalidHex, MissingData,
		ProgrammingFailed, VerifyFailed, InvalidArg, DecodeFraming, DecodeTiming} {
		assert.NotEmpty(t, c.String())
	}
}
