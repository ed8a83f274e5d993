// Package plcconfig loads the single structured configuration document
// into a typed tree. It follows the example pack's yaml.v3-based config
// loading convention (doismellburning-samoyed's tocalls.yaml decoding via
// yaml.Unmarshal), generalized from a single lookup table into the PLC's
// full config shape.
package plcconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigError wraps any failure to load or decode the configuration
// document; the caller prints this as a diagnostic and exits non-zero at
// startup.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error loading %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Document is the full recognized configuration shape.
type Document struct {
	Logging         LoggingConfig   `yaml:"logging"`
	MemoryManager   MemoryManager   `yaml:"memory_manager"`
	IOManager       IOManager       `yaml:"io_manager"`
	FieldbusManager FieldbusManager `yaml:"fieldbus_manager"`
	Listener        ListenerConfig  `yaml:"listener"`
}

// LoggingConfig is opaque to the core; only its presence/level is consulted
// when wiring up charmbracelet/log.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MemoryManager carries the four sections' slot counts.
type MemoryManager struct {
	Memspace MemspaceSizes `yaml:"memspace"`
}

// MemspaceSizes is `{blen, w16len, w32len, w64len}`, the slot counts for
// the bits section and each of the three word-width sections.
type MemspaceSizes struct {
	BLen   int `yaml:"blen"`
	W16Len int `yaml:"w16len"`
	W32Len int `yaml:"w32len"`
	W64Len int `yaml:"w64len"`
}

// IOManager lists the simulation producer records.
type IOManager struct {
	Simulations []SimulationRecord `yaml:"simulations"`
}

// MemspaceRef names a target or source region: a section, a starting
// address, and a reference count under one of nwords/nbits/nrefs (all
// synonyms at the config level; the loader normalizes them to NRefs).
type MemspaceRef struct {
	Section string `yaml:"section"`
	Addr    int    `yaml:"addr"`
	NWords  *int   `yaml:"nwords"`
	NBits   *int   `yaml:"nbits"`
	NRefs   *int   `yaml:"nrefs"`
}

// Resolve picks whichever of nwords/nbits/nrefs was supplied.
func (m MemspaceRef) Resolve() int {
	switch {
	case m.NRefs != nil:
		return *m.NRefs
	case m.NWords != nil:
		return *m.NWords
	case m.NBits != nil:
		return *m.NBits
	default:
		return 1
	}
}

// FunctionConfig is the raw `function:` block of a simulation record;
// cmd/plcsim's translateFunction interprets Type-specific fields from
// Params.
type FunctionConfig struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:",inline"`
}

// SimulationRecord is one `io_manager.simulations[]` entry.
type SimulationRecord struct {
	ID       string         `yaml:"id"`
	Memspace MemspaceRef    `yaml:"memspace"`
	Function FunctionConfig `yaml:"function"`
	Source   *MemspaceRef   `yaml:"source"`
	Pause    float64        `yaml:"pause"`
}

// FieldbusManager lists the fieldbus module records.
type FieldbusManager struct {
	Modules []ModuleRecord `yaml:"modules"`
}

// ModuleRecord is one `fieldbus_manager.modules[]` entry. Module/Class are
// carried through unused for configuration-shape fidelity with the
// original's importlib-style dynamic loading. Protocol is decoded but not
// consulted either: every module is served as Modbus/TCP, and the
// registry is keyed on Port.
type ModuleRecord struct {
	ID       string          `yaml:"id"`
	Module   string          `yaml:"module"`
	Class    string          `yaml:"class"`
	Protocol string          `yaml:"protocol"`
	Port     int             `yaml:"port"`
	Conf     ModuleConfBlock `yaml:"conf"`
}

// ModuleConfBlock is a module's `conf` block.
type ModuleConfBlock struct {
	OneShot     bool   `yaml:"one_shot"`
	WordSection string `yaml:"word_section"`
	BitSection  string `yaml:"bit_section"`
}

// ListenerConfig is the TCP bind parameters, with defaults applied by Load.
type ListenerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Backlog int    `yaml:"backlog"`
}

const (
	defaultHost    = "localhost"
	defaultPort    = 5555
	defaultBacklog = 10
)

// Load reads and decodes the YAML document at path, applying listener
// defaults. A missing file or malformed document is reported as a
// *ConfigError.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	if doc.Listener.Host == "" {
		doc.Listener.Host = defaultHost
	}
	if doc.Listener.Port == 0 {
		doc.Listener.Port = defaultPort
	}
	if doc.Listener.Backlog == 0 {
		doc.Listener.Backlog = defaultBacklog
	}

	return &doc, nil
}
