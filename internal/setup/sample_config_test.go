package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWriteSampleConfigProducesLoadableYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, WriteSampleConfig(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &out))
	require.Contains(t, out, "server")
	require.Contains(t, out, "sticky")
}
