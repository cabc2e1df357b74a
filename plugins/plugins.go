// Package plugins loads vendor generator and detector implementations from
// shared libraries. The boundary is deliberately narrow: a version symbol and
// one factory per device, both resolved from the same binary so objects are
// created and released by matching code.
package plugins

import (
	"fmt"
	"plugin"

	"github.com/tessarix/radhal/devices"
	"github.com/tessarix/radhal/hvg"
)

// ABIVersion is the plugin contract version this host understands.
const ABIVersion uint32 = 1

// VersionSymbol names the exported version variable every plugin carries.
const VersionSymbol = "HALPluginVersion"

// GeneratorSymbol names the generator factory export.
const GeneratorSymbol = "NewGenerator"

// DetectorSymbol names the detector factory export.
const DetectorSymbol = "NewDetector"

func open(path string) (*plugin.Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup(VersionSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: missing %s: %w", path, VersionSymbol, err)
	}
	version, ok := sym.(*uint32)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s has wrong type %T", path, VersionSymbol, sym)
	}
	if *version != ABIVersion {
		return nil, fmt.Errorf("plugin %s: ABI version %d, host requires %d", path, *version, ABIVersion)
	}
	return p, nil
}

// OpenGenerator loads a vendor generator from the shared library at path.
func OpenGenerator(path string) (hvg.Generator, error) {
	p, err := open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(GeneratorSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: missing %s: %w", path, GeneratorSymbol, err)
	}
	factory, ok := sym.(func() hvg.Generator)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s has wrong type %T", path, GeneratorSymbol, sym)
	}
	gen := factory()
	if gen == nil {
		return nil, fmt.Errorf("plugin %s: %s returned nil", path, GeneratorSymbol)
	}
	return gen, nil
}

// OpenDetector loads a vendor detector from the shared library at path.
func OpenDetector(path string) (devices.Detector, error) {
	p, err := open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(DetectorSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: missing %s: %w", path, DetectorSymbol, err)
	}
	factory, ok := sym.(func() devices.Detector)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s has wrong type %T", path, DetectorSymbol, sym)
	}
	det := factory()
	if det == nil {
		return nil, fmt.Errorf("plugin %s: %s returned nil", path, DetectorSymbol)
	}
	return det, nil
}
