package crossval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconcilePlacesBothMatch(t *testing.T) {
	nearby := &PlaceCandidate{PlaceID: "P1", DisplayName: "Padaria X", FormattedAddress: "Rua A, 10, São Paulo"}
	text := &PlaceCandidate{PlaceID: "P1", DisplayName: "Padaria X", FormattedAddress: "Rua A, 10, São Paulo"}

	res, ok := ReconcilePlaces(nearby, text, PlacesInput{NameRaw: "Padaria X"})
	require.True(t, ok)
	require.Equal(t, "both_match", res.Method)
	require.Equal(t, 100, res.Confidence)
	require.True(t, res.NameValidated)
	require.True(t, res.AddressValidated)
}

func TestReconcilePlacesNearbyValidated(t *testing.T) {
	nearby := &PlaceCandidate{PlaceID: "P1", DisplayName: "Padaria X", FormattedAddress: "Rua A, 10, Centro, São Paulo"}

	in := PlacesInput{
		NameRaw:           "Padaria X",
		AddressNormalized: "Rua A, 10, Centro, São Paulo",
	}
	res, ok := ReconcilePlaces(nearby, nil, in)
	require.True(t, ok)
	require.Equal(t, "nearby", res.Method)
	require.True(t, res.NameValidated)
	require.GreaterOrEqual(t, res.Confidence, 70)
}

func TestReconcilePlacesHybridAcceptance(t *testing.T) {
	// Name mismatch but the address corroborates strongly.
	nearby := &PlaceCandidate{PlaceID: "P2", DisplayName: "Mercadinho da Ana Ltda", FormattedAddress: "Rua A, 10, Centro, São Paulo"}

	in := PlacesInput{
		NameRaw:           "Mercadinho Ana e Filhos",
		AddressNormalized: "Rua A, 10, Centro, São Paulo",
	}
	res, ok := ReconcilePlaces(nearby, nil, in)
	require.True(t, ok)
	require.True(t, res.AcceptedByHighAddress)
	require.NotEmpty(t, res.Divergences)
}

func TestReconcilePlacesRejection(t *testing.T) {
	nearby := &PlaceCandidate{PlaceID: "P3", DisplayName: "Oficina do Zé", FormattedAddress: "Avenida Z, 999, Guarulhos"}

	in := PlacesInput{
		NameRaw:           "Padaria X",
		AddressNormalized: "Rua A, 10, Centro, São Paulo",
	}
	_, ok := ReconcilePlaces(nearby, nil, in)
	require.False(t, ok)
}

func TestReconcilePlacesNoResults(t *testing.T) {
	_, ok := ReconcilePlaces(nil, nil, PlacesInput{})
	require.False(t, ok)
}

func TestReconcilePlacesDifferentIDsNotesDivergence(t *testing.T) {
	nearby := &PlaceCandidate{PlaceID: "P1", DisplayName: "Padaria X", FormattedAddress: "Rua A, 10, São Paulo"}
	text := &PlaceCandidate{PlaceID: "P9", DisplayName: "Padaria X Filial", FormattedAddress: "Rua B, 20, São Paulo"}

	in := PlacesInput{NameRaw: "Padaria X", AddressNormalized: "Rua A, 10, São Paulo"}
	res, ok := ReconcilePlaces(nearby, text, in)
	require.True(t, ok)
	require.Equal(t, "nearby", res.Method)
	require.NotEmpty(t, res.Divergences)
}

func TestTradeNameMatch(t *testing.T) {
	require.Equal(t, 100, TradeNameMatch("Padaria X", "Padaria X", ""))
	require.Greater(t, TradeNameMatch("Padaria X", "padaria x ltda", "Padaria X"), 90)
	require.Less(t, TradeNameMatch("Oficina do Zé", "Padaria X", ""), 40)
	require.Equal(t, 0, TradeNameMatch("Padaria X", "", ""))
}
