package vmsvc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratePasswordShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		parts := strings.Split(pw, "-")
		require.Len(t, parts, 3)
		require.False(t, seen[pw], "password %q repeated", pw)
		seen[pw] = true
	}
}
