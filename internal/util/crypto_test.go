package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomCode(t *testing.T) {
	t.Run("uses prefix and length", func(t *testing.T) {
		code, err := RandomCode("NOVA-", 8)
		require.NoError(t, err)
		assert.Len(t, code, 13)
		assert.True(t, strings.HasPrefix(code, "NOVA-"))
	})

	t.Run("only uses unambiguous characters", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			code, err := RandomCode("", 8)
			require.NoError(t, err)
			for _, c := range code {
				assert.Contains(t, CodeAlphabet, string(c))
			}
		}
	})

	t.Run("generates distinct codes", func(t *testing.T) {
		a, _ := RandomCode("NOVA-", 8)
		b, _ := RandomCode("NOVA-", 8)
		assert.NotEqual(t, a, b)
	})
}

func TestHashToken(t *testing.T) {
	assert.Len(t, HashToken("test-token"), 64)
	assert.Equal(t, HashToken("a"), HashToken("a"))
	assert.NotEqual(t, HashToken("a"), HashToken("b"))
}

func TestHmacSHA256(t *testing.T) {
	t.Run("produces expected HMAC", func(t *testing.T) {
		result := HmacSHA256("key", "The quick brown fox jumps over the lazy dog")
		assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", result)
	})

	t.Run("different secret produces different result", func(t *testing.T) {
		assert.NotEqual(t, HmacSHA256("secret1", "data"), HmacSHA256("secret2", "data"))
	})
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
}

func TestSecretHash(t *testing.T) {
	hash, err := HashSecret("operator-token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$"))
	assert.True(t, CheckSecretHash("operator-token", hash))
	assert.False(t, CheckSecretHash("wrong", hash))
}

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "NOVA-AB******", MaskCode("NOVA-ABCD1234"))
	assert.Equal(t, "****", MaskCode("SHORT"))
}
