package crossval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func cand(address, city, state string) AddressCandidate {
	return AddressCandidate{Address: address, City: city, State: state}
}

func TestReconcileAddressAllThreeAgree(t *testing.T) {
	a := cand("Rua A, 10", "São Paulo", "SP")
	b := cand("Rua A, 10", "Sao Paulo", "SP")
	rules := cand("Rua A, 10", "São Paulo", "SP")

	res := ReconcileAddress(&a, &b, rules)
	require.Equal(t, SourceCrossValidated, res.Source)
	require.Equal(t, 100, res.Confidence)
	require.Equal(t, a, res.Chosen)
}

func TestReconcileAddressLLMsAgreeStrongly(t *testing.T) {
	a := cand("Rua das Flores, 123", "Campinas", "SP")
	b := cand("Rua das Flores, 123", "Campinas", "SP")
	// Rule normalizer missed the street expansion entirely.
	rules := cand("R das Fl, 123", "Campinas", "SP")

	res := ReconcileAddress(&a, &b, rules)
	require.Equal(t, SourceLLMA, res.Source)
	require.GreaterOrEqual(t, res.Confidence, 90)
}

func TestReconcileAddressHallucinationOnA(t *testing.T) {
	// LLM-A invents a street absent from the input; LLM-B matches the rules.
	a := cand("Avenida Imaginária, 999", "Curitiba", "PR")
	b := cand("Rua Marechal Deodoro, 500", "Curitiba", "PR")
	rules := cand("Rua Mal. Deodoro, 500", "Curitiba", "PR")

	res := ReconcileAddress(&a, &b, rules)
	require.Equal(t, SourceLLMB, res.Source)
	require.Equal(t, 88, res.Confidence)
	require.True(t, res.HallucinationA)
	require.Contains(t, res.Divergences, "LLM-A diverged (hallucination flag)")
}

func TestReconcileAddressHallucinationOnB(t *testing.T) {
	a := cand("Rua Marechal Deodoro, 500", "Curitiba", "PR")
	b := cand("Avenida Imaginária, 999", "Curitiba", "PR")
	rules := cand("Rua Mal. Deodoro, 500", "Curitiba", "PR")

	res := ReconcileAddress(&a, &b, rules)
	require.Equal(t, SourceLLMA, res.Source)
	require.Equal(t, 88, res.Confidence)
	require.True(t, res.HallucinationB)
}

func TestReconcileAddressTotalDisagreement(t *testing.T) {
	a := cand("Rua Um, 1", "Santos", "SP")
	b := cand("Avenida Dois, 2", "Niterói", "RJ")
	rules := cand("Travessa Três, 3", "Recife", "PE")

	res := ReconcileAddress(&a, &b, rules)
	require.Equal(t, SourceLLMA, res.Source)
	require.Equal(t, 80, res.Confidence)
	require.NotEmpty(t, res.Divergences)
}

func TestReconcileAddressOnlyLLMA(t *testing.T) {
	a := cand("Rua A, 10", "São Paulo", "SP")
	rules := cand("Rua A, 10", "São Paulo", "SP")

	res := ReconcileAddress(&a, nil, rules)
	require.Equal(t, SourceLLMA, res.Source)
	require.Equal(t, 85, res.Confidence)
}

func TestReconcileAddressOnlyLLMADisagrees(t *testing.T) {
	a := cand("Alameda Inventada, 77", "Manaus", "AM")
	rules := cand("Rua Sete de Setembro, 10", "Manaus", "AM")

	res := ReconcileAddress(&a, nil, rules)
	require.Equal(t, SourceRules, res.Source)
	require.Equal(t, 65, res.Confidence)
	require.True(t, res.HallucinationA)
}

func TestReconcileAddressOnlyLLMB(t *testing.T) {
	b := cand("Rua A, 10", "São Paulo", "SP")
	rules := cand("Rua A, 10", "São Paulo", "SP")

	res := ReconcileAddress(nil, &b, rules)
	require.Equal(t, SourceLLMB, res.Source)
	require.Equal(t, 82, res.Confidence)
}

func TestReconcileAddressNoLLMs(t *testing.T) {
	rules := cand("Rua A, 10", "São Paulo", "SP")

	res := ReconcileAddress(nil, nil, rules)
	require.Equal(t, SourceRules, res.Source)
	require.Equal(t, 60, res.Confidence)
	require.Equal(t, rules, res.Chosen)
}
