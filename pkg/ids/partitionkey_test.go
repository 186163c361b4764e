package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionKeyFromIDRoundTripsWithGeneratedIDs(t *testing.T) {
	gen := NewStrictlyIncremental("q9z")
	id := gen.New()

	pk, err := PartitionKeyFromID(id)
	require.NoError(t, err)
	assert.Equal(t, "q9z", pk.String())
	assert.False(t, pk.IsZero())
}

func TestPartitionKeyFromIDRejectsMalformedInput(t *testing.T) {
	_, err := PartitionKeyFromID("")
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrExternalIDValueEmpty, ve.Code)

	_, err = PartitionKeyFromID("tooshort")
	require.Error(t, err)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrExternalIDValueInvalid, ve.Code)

	notAlphanumeric := strings.Repeat("a", Length-1) + "-"
	_, err = PartitionKeyFromID(notAlphanumeric)
	require.Error(t, err)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrExternalIDValueInvalid, ve.Code)
}

func TestPartitionKeyForArbitraryStringAcceptsOrdinaryValues(t *testing.T) {
	pk, err := PartitionKeyForArbitraryString("customer-42")
	require.NoError(t, err)
	assert.Equal(t, "customer-42", pk.String())
}

func TestPartitionKeyForArbitraryStringRejectsEmpty(t *testing.T) {
	_, err := PartitionKeyForArbitraryString("")
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrPartitionKeyValueInvalid, ve.Code)
}

func TestPartitionKeyForArbitraryStringRejectsTooLong(t *testing.T) {
	_, err := PartitionKeyForArbitraryString(strings.Repeat("x", MaxPartitionKeyBytes+1))
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrPartitionKeyValueTooLong, ve.Code)
}

func TestPartitionKeyForArbitraryStringRejectsForbiddenCharacters(t *testing.T) {
	for _, bad := range []string{"a/b", "a\\b", "a#b", "a?b", `a"b`, "a\nb", "a\x00b"} {
		_, err := PartitionKeyForArbitraryString(bad)
		require.Errorf(t, err, "expected %q to be rejected", bad)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, ErrPartitionKeyValueInvalid, ve.Code)
	}
}

func TestPartitionKeyForArbitraryStringAcceptsMaxLength(t *testing.T) {
	pk, err := PartitionKeyForArbitraryString(strings.Repeat("y", MaxPartitionKeyBytes))
	require.NoError(t, err)
	assert.Len(t, pk.String(), MaxPartitionKeyBytes)
}

func TestPartitionKeyEqual(t *testing.T) {
	a, err := PartitionKeyForArbitraryString("same")
	require.NoError(t, err)
	b, err := PartitionKeyForArbitraryString("same")
	require.NoError(t, err)
	c, err := PartitionKeyForArbitraryString("different")
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestPartitionKeyZeroValue(t *testing.T) {
	var pk PartitionKey
	assert.True(t, pk.IsZero())
	assert.Equal(t, "", pk.String())
}
