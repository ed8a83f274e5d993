package plcconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
memory_manager:
  memspace:
    blen: 16
    w16len: 100
    w32len: 0
    w64len: 0
io_manager:
  simulations:
    - memspace: {section: words16, addr: 0, nwords: 1}
      function: {type: counter, start: 0, stop: 4, step: 1}
      pause: 0.01
fieldbus_manager:
  modules:
    - id: holding
      protocol: modbus
      port: 5555
      conf:
        one_shot: false
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesListenerDefaults(t *testing.T) {
	path := writeTemp(t, sampleYAML)

	doc, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost", doc.Listener.Host)
	assert.Equal(t, 5555, doc.Listener.Port)
	assert.Equal(t, 10, doc.Listener.Backlog)
	assert.Equal(t, 16, doc.MemoryManager.Memspace.BLen)
	assert.Len(t, doc.IOManager.Simulations, 1)
	assert.Equal(t, "counter", doc.IOManager.Simulations[0].Function.Type)
	assert.Len(t, doc.FieldbusManager.Modules, 1)
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	_, err := Load("/nonexistent/plc.yaml")
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadMalformedYAMLIsConfigError(t *testing.T) {
	path := writeTemp(t, "logging: [this is not a mapping")

	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
