package ppm

import (
	"ppmboot/ppmerr"
)

// Timing constants in quarter-microsecond units, carried unchanged from the
// reference implementation's ppm_types.h.
const (
	BitDistanceQus     = 6  // 1.5us
	PulseLowQus        = 6  // 1.5us
	SessionPulseQus    = 48 // 12us
	PagePulseQus       = 54 // 13.5us
	CalibPulseQus      = 75 // 18.75us
	symbolBaseQus      = 18 // 4.5us, the lowest symbol total-time
	symbolMaxQus       = 90 // 22.5us, the highest acceptable total-time
	framingToleranceQus = BitDistanceQus / 2
)

// EnterPatternWidthsUs are the four pulse widths of one enter-PPM-pattern
// repetition, in microseconds; EnterPatternTotalUs is their sum.
var EnterPatternWidthsUs = [4]int{30, 90, 45, 45}

const EnterPatternTotalUs = 210

// BitrateTiming is the derived line timing state for a given average
// bitrate, reconfigured as a unit whenever the bitrate changes.
type BitrateTiming struct {
	ResolutionHz float64
	RxMinNs      float64
	RxMaxNs      float64
}

// DeriveBitrateTiming computes resolution_hz, rx_min_ns and rx_max_ns for a
// requested average bitrate in bits per second. A zero bitrate is rejected
// with InvalidArg.
func DeriveBitrateTiming(bitrateBps float64) (BitrateTiming, error) {
	if bitrateBps <= 0 {
		return BitrateTiming{}, ppmerr.New(ppmerr.InvalidArg)
	}
	return BitrateTiming{
		ResolutionHz: bitrateBps * 27 / 2,
		RxMinNs:      8e9 / (27 * bitrateBps),
		RxMaxNs:      20e9 / (3 * bitrateBps),
	}, nil
}

// symbolTotalQus returns the total pulse time, in quarter-microseconds, for
// a 2-bit symbol value (0..3).
func symbolTotalQus(value uint8) int {
	return symbolBaseQus + int(value)*BitDistanceQus
}

// DecodeSymbolValue converts a symbol's total duration (quarter-us) into its
// 2-bit value. The caller must have already validated the duration lies in
// the acceptance window; values are taken modulo 4 as required by the spec.
func DecodeSymbolValue(totalQus int) uint8 {
	return uint8(((totalQus - symbolBaseQus) / BitDistanceQus) % 4)
}

// Encoder turns a frame tag and byte payload into a pulse-width symbol
// stream expressed in quarter-microsecond units. The first element is the
// frame's leading pulse. EncodeCalibration's output ends with a low;
// EncodeDataFrame's output has no terminating low.
type Encoder struct{}

// EncodeDataFrame encodes a Session or Page frame's byte payload, four
// symbols per byte, most-significant-symbol first. The returned span is the
// leading classification pulse followed by the data symbols; it does not
// include a terminating low. The line driver transmits this span as it is
// (Driver.StartTx appends nothing), so no trailing low is emitted for data
// frames. This keeps Decode(EncodeDataFrame(tag, b)) an exact inverse.
func (Encoder) EncodeDataFrame(tag FrameTag, payload []byte) ([]int, error) {
	var leading int
	switch tag {
	case TagSession:
		leading = SessionPulseQus
	case TagPage:
		leading = PagePulseQus
	default:
		return nil, ppmerr.New(ppmerr.InvalidArg)
	}

	out := make([]int, 0, 1+len(payload)*4)
	out = append(out, leading)
	for _, b := range payload {
		for shift := 6; shift >= 0; shift -= 2 {
			sym := (b >> uint(shift)) & 0x03
			out = append(out, symbolTotalQus(sym))
		}
	}
	return out, nil
}

// TrailingLowQus is the duration, in quarter-microseconds, of an idle low
// that terminates a frame. Neither EncodeDataFrame nor the line driver
// uses it, and it is not part of the symbol sequence Decode consumes.
const TrailingLowQus = PulseLowQus

// EncodeCalibration encodes a calibration frame (leading pulse only, no
// payload, terminated by a low).
func (Encoder) EncodeCalibration() []int {
	return []int{CalibPulseQus, PulseLowQus}
}

// EncodeEnterPattern encodes the enter-PPM pulse pattern repeated enough
// times to cover patternTimeUs, at least once.
func (Encoder) EncodeEnterPattern(patternTimeUs int) []int {
	reps := (patternTimeUs + EnterPatternTotalUs - 1) / EnterPatternTotalUs
	if reps < 1 {
		reps = 1
	}
	out := make([]int, 0, reps*4)
	for i := 0; i < reps; i++ {
		for _, w := range EnterPatternWidthsUs {
			out = append(out, w*4)
		}
	}
	return out
}

// DecodeResult is the outcome of decoding one received symbol span.
type DecodeResult struct {
	Tag   FrameTag
	Bytes []byte
}

// Decoder decodes a stream of symbol total-durations (quarter-us) into a
// frame, following the leading-pulse classification and the [4.5us,22.5us]
// per-symbol acceptance window from the spec.
type Decoder struct{}

// Decode decodes symbols, a span of pulse total-durations in quarter-us
// units as sampled off the wire (the leading classification pulse followed
// by data symbols — see EncodeDataFrame; the terminating low is not part of
// this span). The first element classifies the frame; it must lie within
// framingToleranceQus of SessionPulseQus or PagePulseQus. Every subsequent
// element must lie in the data-symbol acceptance window; the first one that
// doesn't aborts decoding of this frame with DecodeTiming, discarding it.
func (Decoder) Decode(symbols []int) (DecodeResult, error) {
	if len(symbols) == 0 {
		return DecodeResult{}, ppmerr.New(ppmerr.DecodeFraming)
	}

	tag, err := classifyLeading(symbols[0])
	if err != nil {
		return DecodeResult{}, err
	}

	bytes := make([]byte, 0, len(symbols)/4+1)
	var cur byte
	var bits int
	for _, total := range symbols[1:] {
		if total < symbolBaseQus-2 || total > symbolMaxQus+2 {
			// Out-of-range duration: DecodeTiming, discard the partial frame
			// per spec, but we still return what decoded so far is not
			// meaningful — signal the error so the line driver drops it.
			return DecodeResult{}, ppmerr.New(ppmerr.DecodeTiming)
		}
		value := DecodeSymbolValue(total)
		cur = cur<<2 | value
		bits += 2
		if bits == 8 {
			bytes = append(bytes, cur)
			cur = 0
			bits = 0
		}
	}
	if bits > 0 {
		// Partial trailing byte: left-aligned, remaining low bits zero.
		cur <<= uint(8 - bits)
		bytes = append(bytes, cur)
	}

	return DecodeResult{Tag: tag, Bytes: bytes}, nil
}

func classifyLeading(total int) (FrameTag, error) {
	if withinTolerance(total, SessionPulseQus) {
		return TagSession, nil
	}
	if withinTolerance(total, PagePulseQus) {
		return TagPage, nil
	}
	return TagUnknown, ppmerr.New(ppmerr.DecodeFraming)
}

func withinTolerance(total, target int) bool {
	diff := total - target
	if diff < 0 {
		diff = -diff
	}
	return diff <= framingToleranceQus
}

// BytesToWords groups decoded bytes into 16-bit big-endian words, as
// consumed by the session layer. A trailing odd byte is padded with a zero
// low byte.
func BytesToWords(b []byte) []uint16 {
	n := (len(b) + 1) / 2
	words := make([]uint16, n)
	for i := 0; i < n; i++ {
		hi := b[i*2]
		var lo byte
		if i*2+1 < len(b) {
			lo = b[i*2+1]
		}
		words[i] = uint16(hi)<<8 | uint16(lo)
	}
	return words
}

// WordsToBytes expands 16-bit big-endian words into bytes, the inverse of
// BytesToWords for whole-word-aligned payloads.
func WordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		out[i*2] = byte(w >> 8)
		out[i*2+1] = byte(w)
	}
	return out
}
