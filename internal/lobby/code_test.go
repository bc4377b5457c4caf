package lobby

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, c := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, c), "unexpected symbol %q", c)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestCodeFromRejectsBiasedBytes(t *testing.T) {
	// 248..255 would wrap onto the first symbols; they must be skipped
	src := []byte{255, 248, 0, 1, 247, 250, 30, 31, 62, 0, 0, 0}
	code, err := codeFrom(bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "AB99AA", code)

	// all rejected in the first buffer, the next one is read
	src = append(bytes.Repeat([]byte{252}, CodeLength*2), bytes.Repeat([]byte{2}, CodeLength*2)...)
	code, err = codeFrom(bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "CCCCCC", code)

	_, err = codeFrom(bytes.NewReader([]byte{1, 2}))
	assert.Error(t, err)
}
