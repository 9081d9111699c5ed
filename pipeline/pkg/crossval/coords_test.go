package crossval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Points around Praça da Sé, São Paulo.
var (
	seA = GeoPoint{Lat: -23.5505, Lng: -46.6333, FormattedAddress: "Praça da Sé, São Paulo"}
	// ~30m east of seA
	seB = GeoPoint{Lat: -23.5505, Lng: -46.6330}
	// ~500m away
	seWeak = GeoPoint{Lat: -23.5550, Lng: -46.6333}
	// Rio de Janeiro, ~360km away
	rio = GeoPoint{Lat: -22.9068, Lng: -43.1729}
)

func TestReconcileCoordinatesConsensus(t *testing.T) {
	res, ok := ReconcileCoordinates(&seA, &seB, "SP", "São Paulo")
	require.True(t, ok)
	require.Equal(t, 100, res.Confidence)
	require.Equal(t, SourceGeocoderA, res.Source)
	require.Equal(t, seA, res.Chosen)
	require.NotNil(t, res.WithinState)
	require.True(t, *res.WithinState)
	require.NotNil(t, res.WithinCity)
	require.True(t, *res.WithinCity)
	require.False(t, res.StateAlert)
}

func TestReconcileCoordinatesWeakAgreement(t *testing.T) {
	res, ok := ReconcileCoordinates(&seA, &seWeak, "SP", "São Paulo")
	require.True(t, ok)
	require.Equal(t, 75, res.Confidence)
	require.NotEmpty(t, res.Divergences)
}

func TestReconcileCoordinatesDisagreementPrefersPointInState(t *testing.T) {
	// A landed in Rio but the declared state is SP; B is inside SP.
	res, ok := ReconcileCoordinates(&rio, &seA, "SP", "São Paulo")
	require.True(t, ok)
	require.Equal(t, 60, res.Confidence)
	require.Equal(t, SourceGeocoderB, res.Source)
	require.Equal(t, seA, res.Chosen)
}

func TestReconcileCoordinatesDisagreementKeepsAWhenValid(t *testing.T) {
	res, ok := ReconcileCoordinates(&seA, &rio, "SP", "São Paulo")
	require.True(t, ok)
	require.Equal(t, 60, res.Confidence)
	require.Equal(t, SourceGeocoderA, res.Source)
}

func TestReconcileCoordinatesSingleSource(t *testing.T) {
	res, ok := ReconcileCoordinates(&seA, nil, "SP", "São Paulo")
	require.True(t, ok)
	require.Equal(t, 90, res.Confidence)
	require.Equal(t, SourceGeocoderA, res.Source)

	res, ok = ReconcileCoordinates(nil, &seA, "SP", "São Paulo")
	require.True(t, ok)
	require.Equal(t, 75, res.Confidence)
	require.Equal(t, SourceGeocoderB, res.Source)
}

func TestReconcileCoordinatesNone(t *testing.T) {
	_, ok := ReconcileCoordinates(nil, nil, "SP", "São Paulo")
	require.False(t, ok)
}

func TestReconcileCoordinatesOutsideStateAlert(t *testing.T) {
	res, ok := ReconcileCoordinates(&rio, nil, "SP", "São Paulo")
	require.True(t, ok)
	require.True(t, res.StateAlert)
	require.NotNil(t, res.WithinState)
	require.False(t, *res.WithinState)
}
