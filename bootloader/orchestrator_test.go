package bootloader

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppmboot/crc"
	"ppmboot/internal/ppmfake"
	"ppmboot/metrics"
	"ppmboot/ppm"
	"ppmboot/ppmerr"
)

func newTestOrchestrator(t *testing.T, catalog Catalog) *Orchestrator {
	bus := ppmfake.NewBus()
	driver := ppm.NewDriver(bus, ppm.TxHandle(1), ppm.RxHandle(1))
	t.Cleanup(func() { _ = driver.Close() })
	return NewOrchestrator(driver, catalog, nil, nil)
}

// Broadcast mode never waits for an ack, so a fully scripted Bus (no
// replies queued) drives the entire six-step sequence and the program flow
// to completion without any target simulation beyond the default catalog.
func TestDoActionProgramsNvramInBroadcastMode(t *testing.T) {
	chip := ChipDescriptor{
		ProjectID: 0, // Unlock in broadcast mode never learns a real project id.
		Nvram: &MemoryDescriptor{
			StartAddress: 0, Length: 16, WriteableLength: 16,
			PageSizeBytes: 4, EraseUnitBytes: 4, EraseTimeMs: 1, WriteTimeMs: 1,
		},
	}
	catalog := NewMapCatalog(chip)
	orch := newTestOrchestrator(t, catalog)

	img := fakeImage{runs: []Run{{Address: 0, Data: []byte{1, 2, 3, 4}}}}

	err := orch.DoAction(context.Background(), false, true, 1000, MemoryNvram, ActionProgram, img)
	require.NoError(t, err)
}

func TestDoActionRecordsMetricsWhenProvided(t *testing.T) {
	chip := ChipDescriptor{
		ProjectID: 0,
		Nvram: &MemoryDescriptor{
			StartAddress: 0, Length: 16, WriteableLength: 16,
			PageSizeBytes: 4, EraseUnitBytes: 4, EraseTimeMs: 1, WriteTimeMs: 1,
		},
	}
	catalog := NewMapCatalog(chip)

	bus := ppmfake.NewBus()
	driver := ppm.NewDriver(bus, ppm.TxHandle(1), ppm.RxHandle(1))
	t.Cleanup(func() { _ = driver.Close() })
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, metrics.DefaultConfig())
	orch := NewOrchestrator(driver, catalog, nil, m)

	img := fakeImage{runs: []Run{{Address: 0, Data: []byte{1, 2, 3, 4}}}}
	require.NoError(t, orch.DoAction(context.Background(), false, true, 1000, MemoryNvram, ActionProgram, img))

	count, err := testutil.GatherAndCount(reg, "ppmboot_orchestrator_session_attempts_total")
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func TestDoActionFailsWhenProjectIDUnknown(t *testing.T) {
	orch := newTestOrchestrator(t, NewMapCatalog())
	img := fakeImage{}

	err := orch.DoAction(context.Background(), false, true, 1000, MemoryNvram, ActionProgram, img)
	require.Error(t, err)
	assert.Equal(t, ppmerr.ChipNotSupported, ppmerr.CodeOf(err))
}

func TestDoActionFailsWhenChipHasNoMemory(t *testing.T) {
	catalog := NewMapCatalog(ChipDescriptor{ProjectID: 0})
	orch := newTestOrchestrator(t, catalog)

	err := orch.DoAction(context.Background(), false, true, 1000, MemoryNvram, ActionProgram, fakeImage{})
	require.Error(t, err)
	assert.Equal(t, ppmerr.ChipNotSupported, ppmerr.CodeOf(err))
}

func TestRunActionRejectsUnsupportedFlashCS(t *testing.T) {
	chip := &ChipDescriptor{FlashCS: &MemoryDescriptor{Length: 16}, SupportsFlashCS: false}
	orch := newTestOrchestrator(t, NewMapCatalog())

	err := orch.runAction(context.Background(), chip, false, MemoryFlashCS, ActionProgram, fakeImage{})
	require.Error(t, err)
	assert.Equal(t, ppmerr.ActionNotSupported, ppmerr.CodeOf(err))
}

func TestRunActionRejectsMissingMemoryDescriptor(t *testing.T) {
	chip := &ChipDescriptor{}
	orch := newTestOrchestrator(t, NewMapCatalog())

	err := orch.runAction(context.Background(), chip, false, MemoryFlash, ActionProgram, fakeImage{})
	require.Error(t, err)
	assert.Equal(t, ppmerr.ActionNotSupported, ppmerr.CodeOf(err))
}

func TestRunFlashReturnsMissingDataWhenUncovered(t *testing.T) {
	chip := &ChipDescriptor{}
	mem := &MemoryDescriptor{StartAddress: 0, Length: 16, PageSizeBytes: 4}
	orch := newTestOrchestrator(t, NewMapCatalog())

	err := orch.runFlash(chip, mem, true, ActionProgram, fakeImage{})
	require.Error(t, err)
	assert.Equal(t, ppmerr.MissingData, ppmerr.CodeOf(err))
}

func TestRunNvramReturnsMissingDataWhenNoRunsCoverWriteableRange(t *testing.T) {
	chip := &ChipDescriptor{}
	mem := &MemoryDescriptor{StartAddress: 0, WriteableLength: 16, PageSizeBytes: 4}
	orch := newTestOrchestrator(t, NewMapCatalog())

	err := orch.runNvram(chip, mem, true, ActionProgram, fakeImage{})
	require.Error(t, err)
	assert.Equal(t, ppmerr.MissingData, ppmerr.CodeOf(err))
}

func TestRunNvramRejectsVerifyWhenUnsupported(t *testing.T) {
	chip := &ChipDescriptor{SupportsEepromVerify: false}
	mem := &MemoryDescriptor{StartAddress: 0, WriteableLength: 16, PageSizeBytes: 4}
	orch := newTestOrchestrator(t, NewMapCatalog())

	err := orch.runNvram(chip, mem, true, ActionVerify, fakeImage{})
	require.Error(t, err)
	assert.Equal(t, ppmerr.ActionNotSupported, ppmerr.CodeOf(err))
}

func TestHasMemoryDetectsAnyRegion(t *testing.T) {
	assert.False(t, hasMemory(&ChipDescriptor{}))
	assert.True(t, hasMemory(&ChipDescriptor{Flash: &MemoryDescriptor{}}))
	assert.True(t, hasMemory(&ChipDescriptor{FlashCS: &MemoryDescriptor{}}))
	assert.True(t, hasMemory(&ChipDescriptor{Nvram: &MemoryDescriptor{}}))
}

func TestNvramRunsCoalescesConsecutivePages(t *testing.T) {
	img := fakeImage{runs: []Run{
		{Address: 0, Data: []byte{1, 2, 3, 4}},
		{Address: 4, Data: []byte{5, 6, 7, 8}},
		{Address: 12, Data: []byte{9, 10, 11, 12}},
	}}
	runs := nvramRuns(img, 0, 16, 4)
	require.Len(t, runs, 2)
	assert.Equal(t, nvramRun{start: 0, length: 8}, runs[0])
	assert.Equal(t, nvramRun{start: 12, length: 4}, runs[1])
}

func TestNvramRunsZeroPageSizeIsEmpty(t *testing.T) {
	assert.Nil(t, nvramRuns(fakeImage{}, 0, 16, 0))
}

func TestFlashTimeoutsFormulas(t *testing.T) {
	page0, pageX, session := flashTimeouts(2048, 2048, 20, 5)
	assert.Equal(t, msecCeil(20*1.25), page0)
	assert.Equal(t, msecCeil(5*1.25), pageX)
	assert.Equal(t, pageX+msecCeil(2048*6.25e-5), session)
}

func TestClampToPageRoundsUp(t *testing.T) {
	assert.Equal(t, uint32(128), clampToPage(100, 64))
	assert.Equal(t, uint32(64), clampToPage(64, 64))
	assert.Equal(t, uint32(5), clampToPage(5, 0))
}

func TestHexMaxWithinTracksHighestCoveredAddress(t *testing.T) {
	img := fakeImage{runs: []Run{{Address: 10, Data: []byte{1, 2, 3}}}}
	assert.Equal(t, uint32(12), hexMaxWithin(img, 0, 32))
}

func TestHexMaxWithinReturnsStartWhenNothingCovered(t *testing.T) {
	assert.Equal(t, uint32(5), hexMaxWithin(fakeImage{}, 5, 10))
}

func TestWrapFlashPage0LastMovesFirstPageToTail(t *testing.T) {
	words := []uint16{1, 2, 3, 4, 5, 6}
	out := wrapFlashPage0Last(words, 2)
	assert.Equal(t, []uint16{3, 4, 5, 6, 1, 2}, out)
}

func TestWrapFlashPage0LastNoOpWhenSinglePage(t *testing.T) {
	words := []uint16{1, 2}
	assert.Equal(t, words, wrapFlashPage0Last(words, 4))
}

func TestBytesToWordsPadHandlesOddLength(t *testing.T) {
	words := bytesToWordsPad([]byte{0x01, 0x02, 0x03})
	assert.Equal(t, []uint16{0x0201, 0x0003}, words)
}

func TestFlashCRCDispatchesByVariant(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}

	a, err := flashCRC(ppm.CRCVariantA, buf)
	require.NoError(t, err)
	assert.Equal(t, crc.CRC24VariantA([]uint16{0x0201, 0x0403}, 1), a)

	xfe, err := flashCRC(ppm.CRCVariantXFE, buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(crc.CRCVariantXFE([]uint16{0x0201, 0x0403}, 0xFFFF)), xfe)

	_, err = flashCRC(ppm.CRCVariantNone, buf)
	require.Error(t, err)
	assert.Equal(t, ppmerr.InvalidArg, ppmerr.CodeOf(err))
}

func TestFlashDescriptorForSelectsGanymedeOnXFEVariant(t *testing.T) {
	chip := &ChipDescriptor{CRCVariant: ppm.CRCVariantXFE}
	mem := &MemoryDescriptor{Length: 2048, EraseUnitBytes: 2048, EraseTimeMs: 20, WriteTimeMs: 5}
	desc := flashDescriptorFor(chip, mem)
	assert.Equal(t, ppm.CRCVariantXFE, desc.CRCVariant)
	assert.Equal(t, ppm.SessionFlashProg, desc.SessionID)
}

func TestFlashDescriptorForSelectsVariantAOtherwise(t *testing.T) {
	chip := &ChipDescriptor{CRCVariant: ppm.CRCVariantA}
	mem := &MemoryDescriptor{Length: 2048, EraseUnitBytes: 2048, EraseTimeMs: 20, WriteTimeMs: 5}
	desc := flashDescriptorFor(chip, mem)
	assert.Equal(t, ppm.CRCVariantA, desc.CRCVariant)
}

func TestEepromDescriptorForDerivesTimeoutFromWriteTime(t *testing.T) {
	mem := &MemoryDescriptor{WriteTimeMs: 8}
	desc := eepromDescriptorFor(mem)
	want := msecCeil(8 * 1.25)
	assert.Equal(t, want, desc.Page0AckTimeout)
	assert.Equal(t, want, desc.PageXAckTimeout)
	assert.Equal(t, want, desc.SessionAckTimeout)
}

func TestFlashDescriptorForDerivesPageWordsFromCatalogPageSize(t *testing.T) {
	chip := &ChipDescriptor{CRCVariant: ppm.CRCVariantA}
	mem := &MemoryDescriptor{Length: 2048, EraseUnitBytes: 2048, EraseTimeMs: 20, WriteTimeMs: 5, PageSizeBytes: 256}
	desc := flashDescriptorFor(chip, mem)
	assert.Equal(t, uint8(128), desc.PageWords)
}

func TestEepromDescriptorForDerivesPageWordsFromCatalogPageSize(t *testing.T) {
	mem := &MemoryDescriptor{WriteTimeMs: 8, PageSizeBytes: 16}
	desc := eepromDescriptorFor(mem)
	assert.Equal(t, uint8(8), desc.PageWords)
}

func TestRunFlashCSDerivesPageWordsFromCatalogPageSize(t *testing.T) {
	chip := &ChipDescriptor{
		SupportsFlashCS: true,
		FlashCS: &MemoryDescriptor{
			StartAddress: 0, WriteableLength: 16, PageSizeBytes: 256,
		},
	}
	orch := newTestOrchestrator(t, NewMapCatalog())
	img := fakeImage{runs: []Run{{Address: 0, Data: []byte{1, 2}}}}

	err := orch.runFlashCS(chip, chip.FlashCS, true, ActionProgram, img)
	require.NoError(t, err)
}

func TestResetDescriptorAppliesBroadcast(t *testing.T) {
	assert.True(t, resetDescriptor(false).RequestAck)
	assert.False(t, resetDescriptor(true).RequestAck)
}

func TestProgKeysIfAnySkipsSilentlyWhenEmpty(t *testing.T) {
	orch := newTestOrchestrator(t, NewMapCatalog())
	chip := &ChipDescriptor{}
	require.NoError(t, orch.progKeysIfAny(chip, true))
}
