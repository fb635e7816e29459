// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseString(t *testing.T) {
	t.Run("environment wins", func(t *testing.T) {
		t.Setenv("GAIA_TEST_STR", "from-env")
		assert.Equal(t, "from-env", ParseString("GAIA_TEST_STR", "fallback"))
	})

	t.Run("missing uses default", func(t *testing.T) {
		assert.Equal(t, "fallback", ParseString("GAIA_TEST_STR_MISSING", "fallback"))
	})

	t.Run("empty value uses default", func(t *testing.T) {
		t.Setenv("GAIA_TEST_STR_EMPTY", "")
		assert.Equal(t, "fallback", ParseString("GAIA_TEST_STR_EMPTY", "fallback"))
	})
}

func TestParseInt(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		t.Setenv("GAIA_TEST_INT", "42")
		assert.Equal(t, 42, ParseInt("GAIA_TEST_INT", 7))
	})

	t.Run("negative allowed", func(t *testing.T) {
		t.Setenv("GAIA_TEST_INT", "-3")
		assert.Equal(t, -3, ParseInt("GAIA_TEST_INT", 7))
	})

	t.Run("garbage uses default", func(t *testing.T) {
		t.Setenv("GAIA_TEST_INT", "forty-two")
		assert.Equal(t, 7, ParseInt("GAIA_TEST_INT", 7))
	})

	t.Run("missing uses default", func(t *testing.T) {
		assert.Equal(t, 7, ParseInt("GAIA_TEST_INT_MISSING", 7))
	})
}

func TestParseBool(t *testing.T) {
	t.Setenv("GAIA_TEST_BOOL", "true")
	assert.True(t, ParseBool("GAIA_TEST_BOOL", false))

	t.Setenv("GAIA_TEST_BOOL", "0")
	assert.False(t, ParseBool("GAIA_TEST_BOOL", true))

	t.Setenv("GAIA_TEST_BOOL", "yes")
	assert.True(t, ParseBool("GAIA_TEST_BOOL", true), "invalid value keeps the default")
}

func TestParseDuration(t *testing.T) {
	t.Run("go duration syntax", func(t *testing.T) {
		t.Setenv("GAIA_TEST_DUR", "90s")
		assert.Equal(t, 90*time.Second, ParseDuration("GAIA_TEST_DUR", time.Minute))
	})

	t.Run("bare integer is seconds", func(t *testing.T) {
		t.Setenv("GAIA_TEST_DUR", "300")
		assert.Equal(t, 5*time.Minute, ParseDuration("GAIA_TEST_DUR", time.Minute))
	})

	t.Run("garbage uses default", func(t *testing.T) {
		t.Setenv("GAIA_TEST_DUR", "soon")
		assert.Equal(t, time.Minute, ParseDuration("GAIA_TEST_DUR", time.Minute))
	})

	t.Run("missing uses default", func(t *testing.T) {
		assert.Equal(t, time.Minute, ParseDuration("GAIA_TEST_DUR_MISSING", time.Minute))
	})
}
