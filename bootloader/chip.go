// Package bootloader implements the programming/verification orchestrator
// that drives the session engine against a chip's memory regions, sourced
// from an Intel-HEX image and a per-chip descriptor catalog.
package bootloader

import (
	"encoding/json"

	"ppmboot/ppm"
)

// Memory identifies which memory region an action targets.
type Memory int

const (
	MemoryFlash Memory = iota
	MemoryFlashCS
	MemoryNvram
)

func (m Memory) String() string {
	switch m {
	case MemoryFlash:
		return "flash"
	case MemoryFlashCS:
		return "flash-cs"
	case MemoryNvram:
		return "nvram"
	default:
		return "unknown"
	}
}

// Action identifies whether do_action programs or verifies a memory
// region.
type Action int

const (
	ActionProgram Action = iota
	ActionVerify
)

func (a Action) String() string {
	switch a {
	case ActionProgram:
		return "program"
	case ActionVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// MemoryDescriptor is the catalog's per-memory description (§3): address
// range, page/erase granularity, and erase/write timings used by the
// timeout-shaping formulas of §4.4.
type MemoryDescriptor struct {
	StartAddress    uint32 `json:"start_address"`
	Length          uint32 `json:"length"`
	WriteableLength uint32 `json:"writeable_length"`
	PageSizeBytes   uint32 `json:"page_size_bytes"`
	EraseUnitBytes  uint32 `json:"erase_unit_bytes"`
	EraseTimeMs     float64 `json:"erase_time_ms"`
	WriteTimeMs     float64 `json:"write_time_ms"`
}

// ChipDescriptor is the catalog's per-chip-family description (§3).
type ChipDescriptor struct {
	ProjectID uint16 `json:"project_id"`
	Name      string `json:"name"`

	Flash   *MemoryDescriptor `json:"flash,omitempty"`
	FlashCS *MemoryDescriptor `json:"flash_cs,omitempty"`
	Nvram   *MemoryDescriptor `json:"nvram,omitempty"`

	ProgrammingKeys []uint16 `json:"programming_keys,omitempty"`

	SupportsFlashCS         bool `json:"supports_flash_cs"`
	SupportsEepromVerify    bool `json:"supports_eeprom_verify"`

	CRCVariant ppm.CRCVariant `json:"crc_variant"`
}

// memoryFor returns the descriptor for the given Memory kind, or nil if
// this chip has none.
func (c *ChipDescriptor) memoryFor(mem Memory) *MemoryDescriptor {
	switch mem {
	case MemoryFlash:
		return c.Flash
	case MemoryFlashCS:
		return c.FlashCS
	case MemoryNvram:
		return c.Nvram
	default:
		return nil
	}
}

// Catalog resolves a project id to a chip descriptor — the out-of-scope
// external collaborator described in §1/§6.
type Catalog interface {
	Lookup(projectID uint16) (*ChipDescriptor, bool)
}

// MapCatalog is a default in-memory Catalog, loaded from JSON in the
// teacher's encoding/json config-loading idiom (standalone/config.LoadConfig),
// reused here for the chip-catalog domain rather than machine/axis config.
type MapCatalog struct {
	chips map[uint16]*ChipDescriptor
}

// LoadCatalogJSON parses a JSON array of chip descriptors into a Catalog.
func LoadCatalogJSON(data []byte) (*MapCatalog, error) {
	var chips []ChipDescriptor
	if err := json.Unmarshal(data, &chips); err != nil {
		return nil, err
	}
	cat := &MapCatalog{chips: make(map[uint16]*ChipDescriptor, len(chips))}
	for i := range chips {
		c := chips[i]
		cat.chips[c.ProjectID] = &c
	}
	return cat, nil
}

// NewMapCatalog constructs a Catalog directly from descriptors, useful for
// tests and for catalogs assembled programmatically rather than from JSON.
func NewMapCatalog(chips ...ChipDescriptor) *MapCatalog {
	cat := &MapCatalog{chips: make(map[uint16]*ChipDescriptor, len(chips))}
	for i := range chips {
		c := chips[i]
		cat.chips[c.ProjectID] = &c
	}
	return cat
}

func (c *MapCatalog) Lookup(projectID uint16) (*ChipDescriptor, bool) {
	chip, ok := c.chips[projectID]
	return chip, ok
}
