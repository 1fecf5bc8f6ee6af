// Package clusterspec describes an optional static cluster manifest: an
// operator-supplied YAML file naming the coordinator's group/backup
// counts and, for storage nodes that manage more than one contiguous
// row range, the extra tablet boundaries the storage node's -s/-e flag
// pair can't express on its own.
package clusterspec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TabletRange describes one contiguous row-key range a storage node's
// tablet covers.
type TabletRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// StorageNode describes one storage node's static tablet layout.
type StorageNode struct {
	Addr    string        `yaml:"addr"`
	Tablets []TabletRange `yaml:"tablets"`
}

// Manifest is the top-level shape of a cluster manifest file.
type Manifest struct {
	IPAddr       string        `yaml:"ip_addr"`
	NumGroups    int           `yaml:"num_groups"`
	NumBackups   int           `yaml:"num_backups"`
	StorageNodes []StorageNode `yaml:"storage_nodes"`
}

// Load reads and parses a YAML cluster manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("clusterspec: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("clusterspec: parse %s: %w", path, err)
	}
	return &m, nil
}

// TabletsFor returns the configured tablet ranges for addr, or nil if
// addr isn't named in the manifest — callers should fall back to their
// own -s/-e flags in that case.
func (m *Manifest) TabletsFor(addr string) []TabletRange {
	if m == nil {
		return nil
	}
	for _, n := range m.StorageNodes {
		if n.Addr == addr {
			return n.Tablets
		}
	}
	return nil
}
