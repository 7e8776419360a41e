package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDiscordID(t *testing.T) {
	assert.True(t, IsDiscordID("123456789012345678"))
	assert.True(t, IsDiscordID("12345678901234567"))
	assert.True(t, IsDiscordID("1234567890123456789"))
	assert.False(t, IsDiscordID("1234567890123456"))
	assert.False(t, IsDiscordID("12345678901234567890"))
	assert.False(t, IsDiscordID("12345678901234567a"))
	assert.False(t, IsDiscordID("-12345678901234567"))
	assert.False(t, IsDiscordID(""))
}

func TestHashAndCheckSecret(t *testing.T) {
	hash, err := HashSecret("tracker-secret-0123")
	assert.NoError(t, err)
	assert.True(t, CheckSecret("tracker-secret-0123", hash))
	assert.False(t, CheckSecret("wrong", hash))
	assert.False(t, CheckSecret("", hash))
	assert.False(t, CheckSecret("tracker-secret-0123", ""))

	_, err = HashSecret("short")
	assert.Error(t, err)
}
