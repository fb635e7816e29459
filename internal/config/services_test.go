// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeServicesFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadServices(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: gaia-core
    health_url: http://gaia-core:8080/health
    tier: live
    remediable: true
    compose_service: gaia-core
  - name: gaia-core-candidate
    health_url: http://gaia-core-candidate:8080/health
    tier: candidate
`)
	services, err := LoadServices(path)
	require.NoError(t, err)
	require.Len(t, services, 2)

	assert.Equal(t, "gaia-core", services[0].Name)
	assert.True(t, services[0].Remediable)
	assert.Equal(t, "candidate", services[1].Tier)
	assert.False(t, services[1].Remediable)
}

func TestLoadServicesEmptyPath(t *testing.T) {
	services, err := LoadServices("")
	assert.NoError(t, err)
	assert.Nil(t, services)
}

func TestLoadServicesMissingFile(t *testing.T) {
	_, err := LoadServices(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadServicesRejectsBadEntries(t *testing.T) {
	t.Run("missing health_url", func(t *testing.T) {
		path := writeServicesFile(t, `
services:
  - name: gaia-core
    tier: live
`)
		_, err := LoadServices(path)
		assert.ErrorContains(t, err, "health_url")
	})

	t.Run("unknown tier", func(t *testing.T) {
		path := writeServicesFile(t, `
services:
  - name: gaia-core
    health_url: http://x/health
    tier: staging
`)
		_, err := LoadServices(path)
		assert.ErrorContains(t, err, "tier")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeServicesFile(t, "services: [")
		_, err := LoadServices(path)
		assert.Error(t, err)
	})
}
