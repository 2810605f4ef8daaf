package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
defaultTags:
  managed-by: accountpool
accounts:
  - identifier: "123456789012"
    preparation:
      enabled: true
      variables:
        flavor: large
    purge:
      enabled: true
units:
  - identifier: ou-pool
    preparation:
      enabled: false
    purge:
      enabled: true
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	t.Run("account entry wins over unit entry", func(t *testing.T) {
		rec := r.ForAccount("123456789012", "ou-pool")
		assert.True(t, rec.Preparation.Enabled)
		assert.Equal(t, "large", rec.Preparation.Variables["flavor"])
	})

	t.Run("falls back to unit entry", func(t *testing.T) {
		rec := r.ForAccount("999999999999", "ou-pool")
		assert.False(t, rec.Preparation.Enabled)
		assert.True(t, rec.Purge.Enabled)
	})

	t.Run("unknown account gets zero record", func(t *testing.T) {
		rec := r.ForAccount("999999999999", "ou-elsewhere")
		assert.False(t, rec.Preparation.Enabled)
		assert.False(t, rec.Purge.Enabled)
	})

	t.Run("default tags", func(t *testing.T) {
		assert.Equal(t, "accountpool", r.DefaultTags()["managed-by"])
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
