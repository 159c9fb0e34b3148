package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURLRejectsDangerous(t *testing.T) {
	bad := []string{
		"http://127.0.0.1/x",
		"http://10.0.0.1/",
		"http://[::1]/",
		"ftp://example.com/",
		"http://example.com:22/",
	}
	for _, u := range bad {
		assert.Error(t, URL(u), "expected %q to be rejected", u)
	}
}

func TestURLAcceptsPublicHTTPS(t *testing.T) {
	assert.NoError(t, URL("https://example.com/a"))
}

func TestChunkSizeBounds(t *testing.T) {
	assert.Error(t, ChunkSize(99))
	assert.NoError(t, ChunkSize(100))
	assert.NoError(t, ChunkSize(5000))
	assert.Error(t, ChunkSize(5001))
}

func TestTemperatureBounds(t *testing.T) {
	assert.Error(t, Temperature(-0.1))
	assert.NoError(t, Temperature(0))
	assert.NoError(t, Temperature(2.0))
	assert.Error(t, Temperature(2.1))
}
