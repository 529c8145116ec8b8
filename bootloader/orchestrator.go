package bootloader

import (
	"context"
	"math"
	"time"

	"ppmboot/crc"
	"ppmboot/metrics"
	"ppmboot/ppm"
	"ppmboot/ppmerr"
)

// PowerControl is the out-of-scope host power-cycling callout (§1): a way
// to cut and restore power to the target, used only when manualPower is
// false.
type PowerControl interface {
	PowerOff() error
	PowerOn() error
}

// Orchestrator drives the session engine against a catalog-described chip
// to program or verify a memory region from a HEX image — the top layer
// of §4.4, aware of HEX/chip/memory semantics that everything below it
// treats as opaque.
type Orchestrator struct {
	line    *ppm.Driver
	session *ppm.Engine
	catalog Catalog
	power   PowerControl
	metrics *metrics.Metrics

	txGPIO, rxGPIO int
}

// NewOrchestrator constructs an orchestrator bound to a line driver, a
// session engine over it, a chip catalog, and an optional power
// controller (nil is fine when manualPower is always requested). m may
// be nil, in which case metrics are not recorded.
func NewOrchestrator(line *ppm.Driver, catalog Catalog, power PowerControl, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		line:    line,
		session: ppm.NewEngine(line, crc.PageChecksum),
		catalog: catalog,
		power:   power,
		metrics: m,
	}
}

// observeSession records a session attempt's outcome, a no-op when no
// metrics sink was supplied.
func (o *Orchestrator) observeSession(name string, err error) error {
	if o.metrics != nil {
		o.metrics.ObserveSessionAttempt(name, err == nil)
	}
	return err
}

// DoAction is the orchestrator's public entry point (§6): enter
// programming mode, identify the chip, and run the requested action
// against the requested memory region using img as the byte source.
// Chip-reset is always attempted before returning, regardless of outcome.
func (o *Orchestrator) DoAction(ctx context.Context, manualPower, broadcast bool, bitrateBps float64, mem Memory, action Action, img Image) error {
	start := time.Now()
	droppedBefore := o.line.DroppedFrames()

	// Chip-reset and the host power-off run exactly once per invocation
	// regardless of where the action failed, matching the original's
	// unconditional ppmbtl_exitProgrammingMode call after the action
	// block — an unlock or chip-lookup failure still resets the chip.
	defer func() {
		_ = o.observeSession("chip_reset", func() error {
			_, err := o.session.ChipReset(resetDescriptor(broadcast))
			return err
		}())

		if !manualPower && o.power != nil {
			_ = o.power.PowerOff()
		}

		o.finishAction(mem, action, start, droppedBefore)
	}()

	chip, err := o.enterProgrammingMode(ctx, manualPower, broadcast, bitrateBps)
	if err != nil {
		return err
	}

	return o.runAction(ctx, chip, broadcast, mem, action, img)
}

func (o *Orchestrator) finishAction(mem Memory, action Action, start time.Time, droppedBefore uint64) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveActionDuration(mem.String(), action.String(), time.Since(start))
	o.metrics.ObserveFramesDropped(o.line.DroppedFrames() - droppedBefore)
}

// enterProgrammingMode implements the six-step entry sequence of §4.4.
func (o *Orchestrator) enterProgrammingMode(ctx context.Context, manualPower, broadcast bool, bitrateBps float64) (*ChipDescriptor, error) {
	if !manualPower && o.power != nil {
		if err := o.power.PowerOff(); err != nil {
			return nil, ppmerr.Wrap(ppmerr.EnterPpm, err)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ppmerr.Wrap(ppmerr.Internal, ctx.Err())
		}
		if err := o.power.PowerOn(); err != nil {
			return nil, ppmerr.Wrap(ppmerr.EnterPpm, err)
		}
	}

	patternTimeUs := 50000
	if manualPower {
		patternTimeUs = 100000
	}
	if err := o.emitEnterPattern(ctx, patternTimeUs); err != nil {
		return nil, err
	}

	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ppmerr.Wrap(ppmerr.Internal, ctx.Err())
	}

	timing, err := ppm.DeriveBitrateTiming(bitrateBps)
	if err != nil {
		return nil, ppmerr.Wrap(ppmerr.SetBaud, err)
	}
	if err := o.line.ArmRx(timing.RxMinNs, timing.RxMaxNs); err != nil {
		return nil, ppmerr.Wrap(ppmerr.SetBaud, err)
	}

	if err := o.emitCalibration(); err != nil {
		return nil, ppmerr.Wrap(ppmerr.Calibration, err)
	}

	unlockDesc := ppm.DefaultUnlock
	if broadcast {
		unlockDesc = unlockDesc.WithBroadcast()
	}
	projectID, err := o.session.Unlock(unlockDesc)
	if err := o.observeSession("unlock", err); err != nil {
		return nil, err
	}

	chip, ok := o.catalog.Lookup(projectID)
	if !ok {
		return nil, ppmerr.New(ppmerr.ChipNotSupported)
	}
	if !hasMemory(chip) {
		return nil, ppmerr.New(ppmerr.ChipNotSupported)
	}
	return chip, nil
}

func hasMemory(chip *ChipDescriptor) bool {
	return chip.Flash != nil || chip.FlashCS != nil || chip.Nvram != nil
}

func (o *Orchestrator) emitEnterPattern(ctx context.Context, patternTimeUs int) error {
	enc := ppm.Encoder{}
	symbols := enc.EncodeEnterPattern(patternTimeUs)
	if err := o.line.StartTxRaw(symbols); err != nil {
		return ppmerr.Wrap(ppmerr.EnterPpm, err)
	}
	return nil
}

func (o *Orchestrator) emitCalibration() error {
	enc := ppm.Encoder{}
	symbols := enc.EncodeCalibration()
	return o.line.StartTxRaw(symbols)
}

// runAction dispatches to the program/verify flow for the requested
// memory kind.
func (o *Orchestrator) runAction(ctx context.Context, chip *ChipDescriptor, broadcast bool, mem Memory, action Action, img Image) error {
	memDesc := chip.memoryFor(mem)
	if memDesc == nil {
		return ppmerr.New(ppmerr.ActionNotSupported)
	}
	if mem == MemoryFlashCS && !chip.SupportsFlashCS {
		return ppmerr.New(ppmerr.ActionNotSupported)
	}

	switch mem {
	case MemoryFlash:
		return o.runFlash(chip, memDesc, broadcast, action, img)
	case MemoryFlashCS:
		return o.runFlashCS(chip, memDesc, broadcast, action, img)
	case MemoryNvram:
		return o.runNvram(chip, memDesc, broadcast, action, img)
	default:
		return ppmerr.New(ppmerr.ActionNotSupported)
	}
}

// progKeysIfAny runs the Prog-keys session when the chip carries key
// material, skipping silently when it doesn't (§4.4's decided open
// question).
func (o *Orchestrator) progKeysIfAny(chip *ChipDescriptor, broadcast bool) error {
	if len(chip.ProgrammingKeys) == 0 {
		return nil
	}
	desc := ppm.DefaultProgKeys
	if broadcast {
		desc = desc.WithBroadcast()
	}
	return o.observeSession("prog_keys", o.session.ProgKeys(desc, chip.ProgrammingKeys))
}

// runFlash implements the flash program/verify flow of §4.4: page-0-last
// wrap on program, CRC comparison on verify.
func (o *Orchestrator) runFlash(chip *ChipDescriptor, mem *MemoryDescriptor, broadcast bool, action Action, img Image) error {
	if !Covered(img, mem.StartAddress, mem.Length) {
		return ppmerr.New(ppmerr.MissingData)
	}
	buf := FillGaps(img, mem.StartAddress, mem.Length, 0xFF)

	desc := flashDescriptorFor(chip, mem)
	if broadcast {
		desc = desc.WithBroadcast()
	}

	switch action {
	case ActionProgram:
		if err := o.progKeysIfAny(chip, broadcast); err != nil {
			return err
		}
		result, err := flashCRC(desc.CRCVariant, buf)
		if err != nil {
			return err
		}
		payload := wrapFlashPage0Last(bytesToWordsPad(buf), int(desc.PageWords))
		offset := uint16((result >> 16) & 0xFF)
		checksum := uint16(result & 0xFFFF)
		return o.observeSession("flash_program", o.session.FlashProgram(desc, offset, checksum, payload))
	case ActionVerify:
		expected, err := flashCRC(desc.CRCVariant, buf)
		if err != nil {
			return err
		}
		crcDesc := ppm.DefaultFlashCRC
		crcDesc.CRCVariant = desc.CRCVariant
		if broadcast {
			crcDesc = crcDesc.WithBroadcast()
		}
		got, err := o.session.FlashCRC(crcDesc, len(buf))
		if err := o.observeSession("flash_crc", err); err != nil {
			return err
		}
		if got != expected {
			return ppmerr.New(ppmerr.VerifyFailed)
		}
		return nil
	default:
		return ppmerr.New(ppmerr.ActionNotSupported)
	}
}

// runFlashCS implements the flash-CS program/verify flow: coverage and
// length are clamped to the writeable range and rounded up to a page.
func (o *Orchestrator) runFlashCS(chip *ChipDescriptor, mem *MemoryDescriptor, broadcast bool, action Action, img Image) error {
	if !Covered(img, mem.StartAddress, mem.WriteableLength) {
		return ppmerr.New(ppmerr.MissingData)
	}
	length := clampToPage(hexMaxWithin(img, mem.StartAddress, mem.WriteableLength)-mem.StartAddress+1, mem.PageSizeBytes)
	if length > mem.WriteableLength {
		length = mem.WriteableLength
	}
	buf := FillGaps(img, mem.StartAddress, length, 0xFF)

	desc := ppm.DefaultFlashCSProg
	desc.PageWords = pageWordsFor(mem.PageSizeBytes)
	if broadcast {
		desc = desc.WithBroadcast()
	}

	switch action {
	case ActionProgram:
		if err := o.progKeysIfAny(chip, broadcast); err != nil {
			return err
		}
		checksum := crc.CRC16(buf, 0x1D0F)
		return o.observeSession("flash_cs_program", o.session.FlashCSProgram(desc, checksum, bytesToWordsPad(buf)))
	case ActionVerify:
		checksum := crc.CRC16(buf, 0x1D0F)
		crcDesc := ppm.DefaultFlashCSCRC
		if broadcast {
			crcDesc = crcDesc.WithBroadcast()
		}
		got, err := o.session.FlashCSCRC(crcDesc, len(buf))
		if err := o.observeSession("flash_cs_crc", err); err != nil {
			return err
		}
		if got != checksum {
			return ppmerr.New(ppmerr.VerifyFailed)
		}
		return nil
	default:
		return ppmerr.New(ppmerr.ActionNotSupported)
	}
}

// runNvram implements the EEPROM program/verify flow: the HEX image is
// scanned in page-sized strides and split into contiguous runs, each
// handled as an independent EEPROM-program (or EEPROM-CRC) session.
func (o *Orchestrator) runNvram(chip *ChipDescriptor, mem *MemoryDescriptor, broadcast bool, action Action, img Image) error {
	if action == ActionVerify && !chip.SupportsEepromVerify {
		return ppmerr.New(ppmerr.ActionNotSupported)
	}

	desc := eepromDescriptorFor(mem)
	if broadcast {
		desc = desc.WithBroadcast()
	}

	runs := nvramRuns(img, mem.StartAddress, mem.WriteableLength, mem.PageSizeBytes)
	if len(runs) == 0 {
		return ppmerr.New(ppmerr.MissingData)
	}

	for _, run := range runs {
		buf := FillGaps(img, run.start, run.length, 0xFF)
		checksum := crc.CRC16(buf, 0x1D0F)
		memOffset := int(run.start - mem.StartAddress)

		switch action {
		case ActionProgram:
			err := o.session.EepromProgram(desc, memOffset, checksum, bytesToWordsPad(buf))
			if err := o.observeSession("eeprom_program", err); err != nil {
				return err
			}
		case ActionVerify:
			crcDesc := ppm.DefaultEepromCRC
			crcDesc.PageWords = desc.PageWords
			if broadcast {
				crcDesc = crcDesc.WithBroadcast()
			}
			got, err := o.session.EepromCRC(crcDesc, memOffset, len(buf))
			if err := o.observeSession("eeprom_crc", err); err != nil {
				return err
			}
			if got != checksum {
				return ppmerr.New(ppmerr.VerifyFailed)
			}
		default:
			return ppmerr.New(ppmerr.ActionNotSupported)
		}
	}
	return nil
}

type nvramRun struct {
	start, length uint32
}

// nvramRuns scans [start, start+length) in pageSize-byte strides and
// coalesces consecutive non-empty pages into contiguous runs, per §4.4.
func nvramRuns(img Image, start, length, pageSize uint32) []nvramRun {
	if pageSize == 0 {
		return nil
	}
	var runs []nvramRun
	var cur *nvramRun
	for off := uint32(0); off < length; off += pageSize {
		pageLen := pageSize
		if off+pageLen > length {
			pageLen = length - off
		}
		addr := start + off
		if Covered(img, addr, pageLen) {
			if cur == nil {
				runs = append(runs, nvramRun{start: addr, length: pageLen})
				cur = &runs[len(runs)-1]
			} else {
				cur.length += pageLen
			}
		} else {
			cur = nil
		}
	}
	return runs
}

// flashDescriptorFor selects the flash-program descriptor matching the
// chip's CRC variant, sizes its page to the memory descriptor's own page
// size (half in words, per the original's session_cfg.page_size = mem->page
// / sizeof(uint16)), and computes its timeout shaping from the memory
// descriptor's erase/write timings.
func flashDescriptorFor(chip *ChipDescriptor, mem *MemoryDescriptor) ppm.Descriptor {
	desc := ppm.DefaultFlashProgA
	if chip.CRCVariant == ppm.CRCVariantXFE || chip.CRCVariant == ppm.CRCVariantKF {
		desc = ppm.DefaultFlashProgGanymede
		desc.CRCVariant = chip.CRCVariant
	}
	desc.PageWords = pageWordsFor(mem.PageSizeBytes)
	page0, pageX, session := flashTimeouts(mem.Length, mem.EraseUnitBytes, mem.EraseTimeMs, mem.WriteTimeMs)
	return desc.WithExtendedTimeouts(page0, pageX, session)
}

func eepromDescriptorFor(mem *MemoryDescriptor) ppm.Descriptor {
	desc := ppm.DefaultEepromProg
	desc.PageWords = pageWordsFor(mem.PageSizeBytes)
	pageX := msecCeil(mem.WriteTimeMs * 1.25)
	return desc.WithExtendedTimeouts(pageX, pageX, pageX)
}

// pageWordsFor converts a memory's byte page size to words, the unit the
// session layer frames pages in.
func pageWordsFor(pageSizeBytes uint32) uint8 {
	return uint8(pageSizeBytes / 2)
}

// flashTimeouts implements the flash timeout-shaping formulas of §4.4.
func flashTimeouts(memLen, eraseUnit uint32, eraseTimeMs, writeTimeMs float64) (page0, pageX, session time.Duration) {
	page0 = msecCeil(float64(memLen) / float64(eraseUnit) * eraseTimeMs * 1.25)
	pageX = msecCeil(writeTimeMs * 1.25)
	session = pageX + msecCeil(float64(memLen)*6.25e-5)
	return
}

func msecCeil(ms float64) time.Duration {
	return time.Duration(math.Ceil(ms)) * time.Millisecond
}

// clampToPage rounds n up to the next multiple of pageSize.
func clampToPage(n, pageSize uint32) uint32 {
	if pageSize == 0 {
		return n
	}
	return ((n + pageSize - 1) / pageSize) * pageSize
}

// hexMaxWithin returns the highest address covered by img within
// [start, start+length), or start if nothing is covered (the caller
// checks Covered first).
func hexMaxWithin(img Image, start, length uint32) uint32 {
	max := start
	for _, r := range img.RunsIn(start, length) {
		end := r.Address + uint32(len(r.Data))
		if end > max {
			max = end
		}
	}
	if max == start {
		return start
	}
	return max - 1
}

// wrapFlashPage0Last reorders a flash payload so that the second page
// onward comes first and page 0 is moved to the end, per §4.4's "build
// the page payload by reading from the second page and wrapping page 0 to
// the end" rule.
func wrapFlashPage0Last(words []uint16, pageWords int) []uint16 {
	if pageWords <= 0 || len(words) <= pageWords {
		return words
	}
	page0 := words[:pageWords]
	rest := words[pageWords:]
	out := make([]uint16, len(words))
	copy(out, rest)
	copy(out[len(rest):], page0)
	return out
}

// bytesToWordsPad reinterprets a flash/EEPROM payload buffer as 16-bit
// words LSB-first (low byte first), the content endianness the target's
// flash and EEPROM programming expects — distinct from ppm.BytesToWords,
// which packs the wire codec's own frame-header words big-endian.
func bytesToWordsPad(b []byte) []uint16 {
	if len(b)%2 != 0 {
		b = append(append([]byte{}, b...), 0)
	}
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = uint16(b[i*2]) | uint16(b[i*2+1])<<8
	}
	return words
}

// flashCRC computes the expected flash CRC over buf using the variant the
// chip descriptor selected, returning it packed the same way FlashCRC's
// wire reply is: bits 23:16 in the low byte of the returned value's upper
// 16 bits are never set for the 16-bit variants.
func flashCRC(variant ppm.CRCVariant, buf []byte) (uint32, error) {
	words := bytesToWordsPad(buf)
	switch variant {
	case ppm.CRCVariantA:
		return crc.CRC24VariantA(words, 1), nil
	case ppm.CRCVariantXFE:
		return uint32(crc.CRCVariantXFE(words, 0xFFFF)), nil
	case ppm.CRCVariantKF:
		return uint32(crc.CRCVariantKF(words, 0)), nil
	default:
		return 0, ppmerr.New(ppmerr.InvalidArg)
	}
}

func resetDescriptor(broadcast bool) ppm.Descriptor {
	desc := ppm.DefaultChipReset
	if broadcast {
		desc = desc.WithBroadcast()
	}
	return desc
}
