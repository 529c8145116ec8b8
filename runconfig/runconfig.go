// Package runconfig loads an optional HCL bench-configuration file — the
// device path, bitrate, and per-run defaults a CLI invocation would
// otherwise have to spell out on every command line — using the same
// gohcl struct-tag decoding idiom the teacher pack's storage config
// package (loopholelabs/silo) uses for its device schema. CLI flags
// always override whatever a config file sets; this package only
// supplies the defaults.
package runconfig

import (
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Schema is the top-level HCL document shape: one optional "bench" block.
type Schema struct {
	Bench *BenchSchema `hcl:"bench,block"`
}

// BenchSchema holds the defaults a bench config file supplies.
type BenchSchema struct {
	Device       string  `hcl:"device,attr"`
	BitrateBps   float64 `hcl:"bitrate_bps,attr"`
	ManualPower  bool    `hcl:"manual_power,optional"`
	Broadcast    bool    `hcl:"broadcast,optional"`
	CatalogPath  string  `hcl:"catalog_path,optional"`
}

// Load parses an HCL bench config file at path. A missing file is not an
// error — it simply means no file-sourced defaults are available.
func Load(path string) (*Schema, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Schema{}, nil
	}
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, diags
	}
	var schema Schema
	if diags := gohcl.DecodeBody(f.Body, nil, &schema); diags.HasErrors() {
		return nil, diags
	}
	return &schema, nil
}

// ApplyDefaults fills any zero-valued targets of its pointer arguments from
// the file-sourced bench block, leaving values the caller already set (e.g.
// from CLI flags) untouched.
func (s *Schema) ApplyDefaults(device *string, bitrateBps *float64, manualPower, broadcast *bool, catalogPath *string) {
	if s == nil || s.Bench == nil {
		return
	}
	b := s.Bench
	if *device == "" && b.Device != "" {
		*device = b.Device
	}
	if *bitrateBps == 0 && b.BitrateBps != 0 {
		*bitrateBps = b.BitrateBps
	}
	if !*manualPower && b.ManualPower {
		*manualPower = true
	}
	if !*broadcast && b.Broadcast {
		*broadcast = true
	}
	if *catalogPath == "" && b.CatalogPath != "" {
		*catalogPath = b.CatalogPath
	}
}
