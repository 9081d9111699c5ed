// Package crossval reconciles disagreeing sources into a chosen value with a
// calibrated confidence: address normalizations from two LLMs and a rule
// normalizer, coordinates from two geocoders, lookups from two Places search
// modes, photo classifications from multiple vision models, and trade names.
package crossval

import (
	"strings"
)

// equivalences maps common Brazilian address abbreviations to their expanded
// form. Applied token-wise before comparing, so "R. A" and "Rua A" agree.
var equivalences = map[string]string{
	"r":     "rua",
	"av":    "avenida",
	"al":    "alameda",
	"tv":    "travessa",
	"trav":  "travessa",
	"rod":   "rodovia",
	"est":   "estrada",
	"pc":    "praca",
	"pca":   "praca",
	"lgo":   "largo",
	"jd":    "jardim",
	"vl":    "vila",
	"pq":    "parque",
	"dr":    "doutor",
	"dra":   "doutora",
	"prof":  "professor",
	"profa": "professora",
	"eng":   "engenheiro",
	"cel":   "coronel",
	"gen":   "general",
	"mal":   "marechal",
	"pres":  "presidente",
	"sen":   "senador",
	"dep":   "deputado",
	"sta":   "santa",
	"sto":   "santo",
	"s":     "sao",
	"n":     "numero",
	"no":    "numero",
	"num":   "numero",
	"apto":  "apartamento",
	"ap":    "apartamento",
	"bl":    "bloco",
	"cj":    "conjunto",
	"qd":    "quadra",
	"lt":    "lote",
	"km":    "quilometro",
}

// Similarity computes the semantic similarity between two strings as a
// percentage: 0.5 * Levenshtein ratio + 0.5 * Jaccard over tokens, after
// accent folding and abbreviation expansion.
func Similarity(a, b string) float64 {
	ta := canonicalTokens(a)
	tb := canonicalTokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 100
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	sa := strings.Join(ta, " ")
	sb := strings.Join(tb, " ")

	lev := levenshteinRatio(sa, sb)
	jac := jaccard(ta, tb)
	return (0.5*lev + 0.5*jac) * 100
}

// canonicalTokens lowercases, folds accents, strips punctuation and expands
// abbreviations, returning the comparable token stream.
func canonicalTokens(s string) []string {
	s = foldAccents(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if exp, ok := equivalences[f]; ok {
			f = exp
		}
		out = append(out, f)
	}
	return out
}

func foldAccents(s string) string {
	replacer := strings.NewReplacer(
		"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
		"é", "e", "ê", "e", "è", "e",
		"í", "i", "î", "i",
		"ó", "o", "ô", "o", "õ", "o", "ö", "o",
		"ú", "u", "û", "u", "ü", "u",
		"ç", "c",
	)
	return replacer.Replace(s)
}

// levenshteinRatio returns 1 - editDistance/maxLen, in [0,1].
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// jaccard computes |A∩B| / |A∪B| over token sets.
func jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
