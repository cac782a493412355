package cardsec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pocketpay/spendflow/internal/cardsec"
)

func TestNormalizePAN(t *testing.T) {
	require.Equal(t, "4242424242424242", cardsec.NormalizePAN("4242 4242 4242 4242"))
	require.Equal(t, "4242424242424242", cardsec.NormalizePAN("4242-4242-4242-4242"))
	require.Equal(t, "4242424242424242", cardsec.NormalizePAN("4242424242424242"))
}

func TestHashPAN_FormattingInvariant(t *testing.T) {
	key := []byte("pepper")
	require.Equal(t, cardsec.HashPAN("4242 4242 4242 4242", key), cardsec.HashPAN("4242424242424242", key))
	require.NotEqual(t, cardsec.HashPAN("4242424242424242", key), cardsec.HashPAN("4242424242424243", key))
	require.NotEqual(t, cardsec.HashPAN("4242424242424242", key), cardsec.HashPAN("4242424242424242", []byte("other")))
}

func TestLastN(t *testing.T) {
	require.Equal(t, "4242", cardsec.LastN("4242424242424242", 4))
	require.Equal(t, "42", cardsec.LastN("42", 4))
}
