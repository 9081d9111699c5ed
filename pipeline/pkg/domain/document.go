package domain

import "strings"

// NormalizeDocument strips everything but digits from a raw tax document.
func NormalizeDocument(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DetectDocumentKind classifies a document by digit count after stripping:
// 14 digits is a CNPJ, 11 a CPF, anything else is invalid.
func DetectDocumentKind(raw string) (string, DocumentKind) {
	digits := NormalizeDocument(raw)
	switch len(digits) {
	case 14:
		return digits, DocumentCNPJ
	case 11:
		return digits, DocumentCPF
	default:
		return digits, DocumentInvalid
	}
}

// ValidCPF verifies the Mod-11 check digits of an 11-digit CPF.
func ValidCPF(cpf string) bool {
	if len(cpf) != 11 {
		return false
	}
	allSame := true
	for i := 1; i < 11; i++ {
		if cpf[i] != cpf[0] {
			allSame = false
			break
		}
	}
	// Repdigit CPFs (000..., 111..., ...) pass the checksum but are reserved.
	if allSame {
		return false
	}

	digit := func(i int) int { return int(cpf[i] - '0') }

	sum := 0
	for i := 0; i < 9; i++ {
		sum += digit(i) * (10 - i)
	}
	check1 := (sum * 10) % 11
	if check1 == 10 {
		check1 = 0
	}
	if check1 != digit(9) {
		return false
	}

	sum = 0
	for i := 0; i < 10; i++ {
		sum += digit(i) * (11 - i)
	}
	check2 := (sum * 10) % 11
	if check2 == 10 {
		check2 = 0
	}
	return check2 == digit(10)
}

// ValidCNPJ verifies the Mod-11 check digits of a 14-digit CNPJ.
func ValidCNPJ(cnpj string) bool {
	if len(cnpj) != 14 {
		return false
	}
	allSame := true
	for i := 1; i < 14; i++ {
		if cnpj[i] != cnpj[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return false
	}

	digit := func(i int) int { return int(cnpj[i] - '0') }

	weights1 := []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	sum := 0
	for i, w := range weights1 {
		sum += digit(i) * w
	}
	check1 := sum % 11
	if check1 < 2 {
		check1 = 0
	} else {
		check1 = 11 - check1
	}
	if check1 != digit(12) {
		return false
	}

	weights2 := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	sum = 0
	for i, w := range weights2 {
		sum += digit(i) * w
	}
	check2 := sum % 11
	if check2 < 2 {
		check2 = 0
	} else {
		check2 = 11 - check2
	}
	return check2 == digit(13)
}
