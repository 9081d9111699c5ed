package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectDocumentKind(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		digits string
		kind   DocumentKind
	}{
		{"formatted cnpj", "11.222.333/0001-81", "11222333000181", DocumentCNPJ},
		{"bare cnpj", "11222333000181", "11222333000181", DocumentCNPJ},
		{"formatted cpf", "529.982.247-25", "52998224725", DocumentCPF},
		{"bare cpf", "52998224725", "52998224725", DocumentCPF},
		{"too short", "12345", "12345", DocumentInvalid},
		{"empty", "", "", DocumentInvalid},
		{"letters only", "abc", "", DocumentInvalid},
		{"13 digits", "1122233300018", "1122233300018", DocumentInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			digits, kind := DetectDocumentKind(tt.raw)
			require.Equal(t, tt.digits, digits)
			require.Equal(t, tt.kind, kind)
		})
	}
}

func TestValidCPF(t *testing.T) {
	require.True(t, ValidCPF("52998224725"))
	require.False(t, ValidCPF("52998224726"), "wrong check digit")
	require.False(t, ValidCPF("11111111111"), "repdigit")
	require.False(t, ValidCPF("5299822472"), "too short")
	require.False(t, ValidCPF(""))
}

func TestValidCNPJ(t *testing.T) {
	require.True(t, ValidCNPJ("11222333000181"))
	require.False(t, ValidCNPJ("11222333000182"), "wrong check digit")
	require.False(t, ValidCNPJ("00000000000000"), "repdigit")
	require.False(t, ValidCNPJ("1122233300018"), "too short")
}
