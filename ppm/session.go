package ppm

import (
	"time"

	"ppmboot/ppmerr"
)

// Session ids, carried unchanged from ppm_types.h's session_id_e.
const (
	SessionProgKeys   uint8 = 0x03
	SessionFlashProg  uint8 = 0x04
	SessionEepromProg uint8 = 0x06
	SessionFlashCSProg uint8 = 0x07
	SessionRAMProg    uint8 = 0x08
	SessionFlashCRC   uint8 = 0x43
	SessionUnlock     uint8 = 0x44
	SessionChipReset  uint8 = 0x45
	SessionEepromCRC  uint8 = 0x47
	SessionFlashCSCRC uint8 = 0x48
)

// CRCVariant selects which external CRC collaborator function a flash-CRC
// session invokes and how its reply is decoded.
type CRCVariant int

const (
	CRCVariantNone CRCVariant = iota
	CRCVariantA               // 24-bit, Amalthea family
	CRCVariantXFE              // 16-bit, Ganymede family
	CRCVariantKF                // 16-bit, Ganymede family
)

// Descriptor is the immutable per-invocation session descriptor (§3).
type Descriptor struct {
	SessionID       uint8
	PageWords        uint8
	RequestAck       bool
	PageRetry        int
	Page0AckTimeout  time.Duration
	PageXAckTimeout  time.Duration
	SessionAckTimeout time.Duration
	CRCVariant       CRCVariant
}

// msec is a convenience constructor matching the spec's millisecond tables.
func msec(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// The eleven default session descriptors from §4.3's parameterization
// table. DefaultIUMProg is one of the eleven: an EEPROM-program session
// with IUM page size and timeouts. There is no IUM-CRC descriptor.
// RequestAck defaults true; callers in broadcast mode clear it with
// WithBroadcast.
var (
	DefaultUnlock = Descriptor{SessionID: SessionUnlock, PageWords: 0,
		Page0AckTimeout: msec(0), PageXAckTimeout: msec(0), SessionAckTimeout: msec(10),
		PageRetry: 5, RequestAck: true}

	DefaultProgKeys = Descriptor{SessionID: SessionProgKeys, PageWords: 8,
		Page0AckTimeout: msec(25), PageXAckTimeout: msec(10), SessionAckTimeout: msec(10),
		PageRetry: 1, RequestAck: true}

	DefaultFlashProgA = Descriptor{SessionID: SessionFlashProg, PageWords: 64,
		Page0AckTimeout: msec(100), PageXAckTimeout: msec(10), SessionAckTimeout: msec(10),
		PageRetry: 5, RequestAck: true, CRCVariant: CRCVariantA}

	DefaultFlashProgGanymede = Descriptor{SessionID: SessionFlashProg, PageWords: 64,
		Page0AckTimeout: msec(100), PageXAckTimeout: msec(10), SessionAckTimeout: msec(10),
		PageRetry: 5, RequestAck: true, CRCVariant: CRCVariantXFE}

	DefaultEepromProg = Descriptor{SessionID: SessionEepromProg, PageWords: 4,
		Page0AckTimeout: msec(15), PageXAckTimeout: msec(15), SessionAckTimeout: msec(17),
		PageRetry: 5, RequestAck: true}

	DefaultIUMProg = Descriptor{SessionID: SessionEepromProg, PageWords: 64,
		Page0AckTimeout: msec(8), PageXAckTimeout: msec(8), SessionAckTimeout: msec(10),
		PageRetry: 5, RequestAck: true}

	DefaultFlashCSProg = Descriptor{SessionID: SessionFlashCSProg, PageWords: 64,
		Page0AckTimeout: msec(50), PageXAckTimeout: msec(7), SessionAckTimeout: msec(15),
		PageRetry: 5, RequestAck: true}

	DefaultFlashCRC = Descriptor{SessionID: SessionFlashCRC, PageWords: 0,
		Page0AckTimeout: msec(0), PageXAckTimeout: msec(0), SessionAckTimeout: msec(5),
		PageRetry: 5, RequestAck: true}

	DefaultEepromCRC = Descriptor{SessionID: SessionEepromCRC, PageWords: 0,
		Page0AckTimeout: msec(0), PageXAckTimeout: msec(0), SessionAckTimeout: msec(5),
		PageRetry: 5, RequestAck: true}

	DefaultFlashCSCRC = Descriptor{SessionID: SessionFlashCSCRC, PageWords: 0,
		Page0AckTimeout: msec(0), PageXAckTimeout: msec(0), SessionAckTimeout: msec(5),
		PageRetry: 5, RequestAck: true}

	DefaultChipReset = Descriptor{SessionID: SessionChipReset, PageWords: 0,
		Page0AckTimeout: msec(0), PageXAckTimeout: msec(0), SessionAckTimeout: msec(10),
		PageRetry: 5, RequestAck: true}
)

// WithBroadcast returns a copy of d with RequestAck cleared, for operating
// on a shared bus where responses are neither expected nor validated.
func (d Descriptor) WithBroadcast() Descriptor {
	d.RequestAck = false
	return d
}

// WithExtendedTimeouts returns a copy of d with its page/session timeouts
// replaced, per the programming-session timeout-shaping formulas of §4.4.
func (d Descriptor) WithExtendedTimeouts(page0, pageX, session time.Duration) Descriptor {
	d.Page0AckTimeout, d.PageXAckTimeout, d.SessionAckTimeout = page0, pageX, session
	return d
}

// PageChecksumFunc is the external page-checksum primitive (§6).
type PageChecksumFunc func(words []uint16) uint8

// Engine runs the session-frame + N*page-frame + acks protocol over a
// Driver, parameterized per call by a Descriptor. It holds no session
// state between calls — every exported method is a complete
// handle_session-shaped exchange.
type Engine struct {
	line     *Driver
	pageCsum PageChecksumFunc
}

// NewEngine constructs a session engine bound to a line driver and the
// external page-checksum primitive.
func NewEngine(line *Driver, pageCsum PageChecksumFunc) *Engine {
	return &Engine{line: line, pageCsum: pageCsum}
}

// Result carries the outcome of handle_session: the 4 reply words (only
// meaningful when RequestAck was set and the session frame got an answer)
// and whether the exchange succeeded at all.
type Result struct {
	Words [SessionWords]uint16
	OK    bool
}

// HandleSession implements the core 5-step algorithm of §4.3. offset and
// checksum are the caller-supplied session-frame words 2 and 3; payload is
// the full word payload for this invocation (already includes any
// protocol-specific reordering, e.g. the flash page-0-last wrap).
func (e *Engine) HandleSession(desc Descriptor, offset, checksum uint16, payload []uint16) (Result, error) {
	pageCount := 0
	if desc.PageWords > 0 {
		pageCount = ceilDiv(len(payload), int(desc.PageWords))
	}

	sessionWord0 := uint16(desc.SessionID|boolByte(desc.RequestAck, 0x80))<<8 | uint16(desc.PageWords)

	sessionFrame := NewSessionFrame([SessionWords]uint16{
		sessionWord0, uint16(pageCount), offset, checksum,
	})
	if err := e.transmitSession(sessionFrame); err != nil {
		// Transmit failure: return empty per step 2 — a session-level
		// soft-fail, not a Go error.
		return Result{}, nil
	}

	for seq := 0; seq < pageCount; seq++ {
		pageData := slicePage(payload, seq, int(desc.PageWords))
		csum := e.pageCsum(pageData)

		pageTimeout := desc.PageXAckTimeout
		if seq == 0 {
			pageTimeout = desc.Page0AckTimeout
		}

		succeeded := false
		for attempt := 0; attempt < desc.PageRetry; attempt++ {
			pageFrame := NewPageFrame(uint8(seq), csum, pageData)
			if err := e.transmitPage(pageFrame); err != nil {
				continue
			}
			if !desc.RequestAck {
				time.Sleep(pageTimeout)
				succeeded = true
				break
			}
			reply, ok := e.line.WaitFrame(TagPage, pageTimeout)
			if !ok {
				continue
			}
			want := uint16(uint8(seq))<<8 | uint16(csum)
			if reply.PageHeaderWord() == want {
				succeeded = true
				break
			}
		}
		if !succeeded {
			return Result{}, nil
		}
	}

	if !desc.RequestAck {
		time.Sleep(desc.SessionAckTimeout)
		return Result{OK: true}, nil
	}

	reply, ok := e.line.WaitFrame(TagSession, desc.SessionAckTimeout)
	if !ok {
		return Result{}, nil
	}
	wantWord0 := uint16(desc.SessionID)<<8 | uint16(desc.PageWords)
	if reply.SessionWordsData[0] != wantWord0 || reply.SessionWordsData[1] != uint16(pageCount) {
		return Result{}, nil
	}
	return Result{Words: reply.SessionWordsData, OK: true}, nil
}

func boolByte(b bool, v byte) byte {
	if b {
		return v
	}
	return 0
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// slicePage extracts the seq-th page of exactly pageWords words from
// payload, zero-padding the tail if the payload runs out.
func slicePage(payload []uint16, seq, pageWords int) []uint16 {
	out := make([]uint16, pageWords)
	start := seq * pageWords
	for i := 0; i < pageWords; i++ {
		idx := start + i
		if idx < len(payload) {
			out[i] = payload[idx]
		}
	}
	return out
}

func (e *Engine) transmitSession(f Frame) error {
	payload := WordsToBytes(f.SessionWordsData[:])
	return e.line.StartTx(TagSession, payload, 1)
}

func (e *Engine) transmitPage(f Frame) error {
	words := make([]uint16, 1+len(f.PageData))
	words[0] = f.PageHeaderWord()
	copy(words[1:], f.PageData)
	payload := WordsToBytes(words)
	return e.line.StartTx(TagPage, payload, 1)
}

// --- Session entry points (§4.3) ---

// Unlock performs the mandatory unlock session and returns the target's
// project id. Unlock carries no page frames, so the exchange is a single
// session frame and, if RequestAck, a single session reply. The reply's
// word 0 is decremented by 1 *before* content validation — a documented
// workaround for the MLX81332-77 erratum, carried unchanged from the
// reference implementation's receive_session_ack. Because the correction
// must happen before the generic word-0/word-1 acceptance check, Unlock
// cannot reuse HandleSession's step-5 validation and instead runs its own.
func (e *Engine) Unlock(desc Descriptor) (projectID uint16, err error) {
	sessionWord0 := uint16(desc.SessionID|boolByte(desc.RequestAck, 0x80)) << 8
	sessionFrame := NewSessionFrame([SessionWords]uint16{sessionWord0, 0, 0x8374, 0xBF12})
	if err := e.transmitSession(sessionFrame); err != nil {
		return 0, ppmerr.Wrap(ppmerr.Unlock, err)
	}

	if !desc.RequestAck {
		time.Sleep(desc.SessionAckTimeout)
		return 0, nil
	}

	reply, ok := e.line.WaitFrame(TagSession, desc.SessionAckTimeout)
	if !ok {
		return 0, ppmerr.New(ppmerr.Unlock)
	}
	reply.SessionWordsData[0]--
	wantWord0 := uint16(desc.SessionID) << 8
	if reply.SessionWordsData[0] != wantWord0 || reply.SessionWordsData[1] != 0 {
		return 0, ppmerr.New(ppmerr.Unlock)
	}
	return reply.SessionWordsData[3], nil
}

// ProgKeys performs the programming-keys session, validating that reply
// words 2 and 3 both equal 0xBEBE.
func (e *Engine) ProgKeys(desc Descriptor, keys []uint16) error {
	res, err := e.HandleSession(desc, 0xBEBE, 0xBEBE, keys)
	if err != nil {
		return err
	}
	if !res.OK || (desc.RequestAck && (res.Words[2] != 0xBEBE || res.Words[3] != 0xBEBE)) {
		return ppmerr.New(ppmerr.ProgrammingFailed)
	}
	return nil
}

// FlashProgram performs the flash-programming session. payload must
// already be arranged with page 0 wrapped to the tail (§4.4); offset and
// checksum are the caller-computed CRC-derived values. It validates reply
// words 2 and 3 equal the values supplied.
func (e *Engine) FlashProgram(desc Descriptor, offset, checksum uint16, payload []uint16) error {
	res, err := e.HandleSession(desc, offset, checksum, payload)
	if err != nil {
		return err
	}
	if !res.OK || (desc.RequestAck && (res.Words[2] != offset || res.Words[3] != checksum)) {
		return ppmerr.New(ppmerr.ProgrammingFailed)
	}
	return nil
}

// EepromProgram performs an EEPROM (or IUM) programming session for a
// contiguous run of bytes starting at memByteOffset. checksum is the
// caller-computed CRC-16/0x1D0F over data; the page offset is derived from
// memByteOffset per the spec's formula.
func (e *Engine) EepromProgram(desc Descriptor, memByteOffset int, checksum uint16, data []uint16) error {
	pageOffset := ceilDiv(memByteOffset, 2*int(desc.PageWords))
	res, err := e.HandleSession(desc, uint16(pageOffset), checksum, data)
	if err != nil {
		return err
	}
	if !res.OK {
		return ppmerr.New(ppmerr.ProgrammingFailed)
	}
	return nil
}

// FlashCSProgram performs the flash-CS programming session; reply word 2
// must be 0 and word 3 must equal the supplied CRC.
func (e *Engine) FlashCSProgram(desc Descriptor, checksum uint16, payload []uint16) error {
	res, err := e.HandleSession(desc, 0, checksum, payload)
	if err != nil {
		return err
	}
	if !res.OK || (desc.RequestAck && (res.Words[2] != 0 || res.Words[3] != checksum)) {
		return ppmerr.New(ppmerr.ProgrammingFailed)
	}
	return nil
}

// FlashCRC invokes the flash-CRC session over byteLen bytes (no page
// payload is sent; CRC descriptors carry PageWords=0, so HandleSession's
// own step 1 collapses page_count to 0). The result decoding depends on
// the descriptor's CRCVariant: CRCVariantA decodes the 24-bit masked
// result ((reply[2]&0xFF)<<16)|reply[3]; XFE/KF decode the 16-bit
// reply[3].
func (e *Engine) FlashCRC(desc Descriptor, byteLen int) (uint32, error) {
	res, err := e.HandleSession(desc, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	if !res.OK {
		return 0, ppmerr.New(ppmerr.VerifyFailed)
	}
	switch desc.CRCVariant {
	case CRCVariantA:
		// 24-bit CRC transport edge case: the high byte rides in the
		// offset's low byte only; never propagate bits above bit 23.
		return (uint32(res.Words[2]&0xFF) << 16) | uint32(res.Words[3]), nil
	default:
		return uint32(res.Words[3]), nil
	}
}

// EepromCRC invokes the EEPROM-CRC session for byteLen bytes starting at
// memByteOffset, returning the 16-bit result from reply word 3.
func (e *Engine) EepromCRC(desc Descriptor, memByteOffset, byteLen int) (uint16, error) {
	pageOffset := ceilDiv(memByteOffset, 2*int(desc.PageWords))
	res, err := e.HandleSession(desc, uint16(pageOffset), 0, nil)
	if err != nil {
		return 0, err
	}
	if !res.OK {
		return 0, ppmerr.New(ppmerr.VerifyFailed)
	}
	return res.Words[3], nil
}

// FlashCSCRC invokes the flash-CS-CRC session, same reply shape as
// EepromCRC.
func (e *Engine) FlashCSCRC(desc Descriptor, byteLen int) (uint16, error) {
	res, err := e.HandleSession(desc, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	if !res.OK {
		return 0, ppmerr.New(ppmerr.VerifyFailed)
	}
	return res.Words[3], nil
}

// ChipReset performs the chip-reset session and returns the project id
// carried in reply word 3, same shape as Unlock but without the erratum
// workaround (the erratum is specific to the unlock reply).
func (e *Engine) ChipReset(desc Descriptor) (projectID uint16, err error) {
	res, err := e.HandleSession(desc, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	if !res.OK {
		return 0, ppmerr.New(ppmerr.Internal)
	}
	return res.Words[3], nil
}
