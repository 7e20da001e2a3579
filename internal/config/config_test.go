package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesKnownKeys(t *testing.T) {
	r := strings.NewReader(strings.Join([]string{
		"# a comment",
		"email you@example.com",
		"password-hash deadbeef",
		"app-id 12345",
		"app-key supersecret",
		"cache-directory /var/cache/mfmount",
		"cache-budget-bytes 104857600",
		"listen-net tcp",
		"listen-addr 127.0.0.1:9000",
		"mount /mnt/mfmount",
		"",
	}, "\n"))

	c, err := load(r)
	require.NoError(t, err)
	assert.Equal(t, "you@example.com", c.Email)
	assert.Equal(t, "deadbeef", c.PasswordHash)
	assert.Equal(t, "12345", c.AppID)
	assert.Equal(t, "supersecret", c.AppKey)
	assert.Equal(t, "/var/cache/mfmount", c.CacheDirectory)
	assert.EqualValues(t, 104857600, c.CacheBudgetBytes)
	assert.Equal(t, "tcp", c.ListenNet)
	assert.Equal(t, "127.0.0.1:9000", c.ListenAddr)
	assert.Equal(t, "/mnt/mfmount", c.MFMountMount)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := load(strings.NewReader("bogus-key value\n"))
	assert.Error(t, err)
}

func TestLoadRejectsLineWithoutSeparator(t *testing.T) {
	_, err := load(strings.NewReader("no-value-here\n"))
	assert.Error(t, err)
}

func TestCacheDirectoryPathDefaultsUnderBase(t *testing.T) {
	c := C{base: "/home/x/lib/mfmount"}
	assert.Equal(t, "/home/x/lib/mfmount/cache", c.CacheDirectoryPath())
	c.CacheDirectory = "/custom"
	assert.Equal(t, "/custom", c.CacheDirectoryPath())
}
