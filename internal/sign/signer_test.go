package sign

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker(t *testing.T) {
	sum := sha256.Sum256([]byte("AKh/api/LoginUser"))
	want := hex.EncodeToString(sum[:])

	got, err := Checker("AK", "h", "/api/LoginUser")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestChecker_DifferentPathDifferentChecker(t *testing.T) {
	a, err := Checker("AK", "h", "/api/LoginUser")
	require.NoError(t, err)
	b, err := Checker("AK", "h", "/api/SendOrder")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSign(t *testing.T) {
	headers, err := Sign("AK", "h", "/api/SendOrder", "the-hash")
	require.NoError(t, err)
	assert.Equal(t, "AK", headers.APIKey)
	assert.Equal(t, "the-hash", headers.Authorization)
	assert.Len(t, headers.Checker, 64)
}

func TestChecker_InvalidUTF8(t *testing.T) {
	_, err := Checker("AK", "h", string([]byte{0xff, 0xfe}))
	assert.Error(t, err)
	var target ErrInvalidUTF8
	assert.ErrorAs(t, err, &target)
	assert.Equal(t, "path", target.Field)
}
