package clusterspec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
ip_addr: 10.0.0.5
num_groups: 2
num_backups: 1
storage_nodes:
  - addr: 10.0.0.5:5000
    tablets:
      - start: aa
        end: mm
  - addr: 10.0.0.5:5010
    tablets:
      - start: nn
        end: zz
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesManifest(t *testing.T) {
	path := writeManifest(t, sampleManifest)

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", m.IPAddr)
	assert.Equal(t, 2, m.NumGroups)
	assert.Equal(t, 1, m.NumBackups)
	assert.Len(t, m.StorageNodes, 2)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/manifest.yaml")
	assert.Error(t, err)
}

func TestTabletsForKnownAddr(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	m, err := Load(path)
	require.NoError(t, err)

	ranges := m.TabletsFor("10.0.0.5:5000")
	require.Len(t, ranges, 1)
	assert.Equal(t, "aa", ranges[0].Start)
	assert.Equal(t, "mm", ranges[0].End)
}

func TestTabletsForUnknownAddr(t *testing.T) {
	path := writeManifest(t, sampleManifest)
	m, err := Load(path)
	require.NoError(t, err)

	assert.Nil(t, m.TabletsFor("10.0.0.5:9999"))
}

func TestTabletsForNilManifest(t *testing.T) {
	var m *Manifest
	assert.Nil(t, m.TabletsFor("anything"))
}
