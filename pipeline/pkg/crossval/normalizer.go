package crossval

import (
	"strings"
	"unicode"
)

// streetExpansions maps abbreviation tokens (lowercased, dot stripped) to the
// cased expansion used by the rule-based normalizer. Applying the normalizer
// twice equals applying it once: expanded words never match these keys.
var streetExpansions = map[string]string{
	"r":     "Rua",
	"av":    "Avenida",
	"al":    "Alameda",
	"tv":    "Travessa",
	"trav":  "Travessa",
	"rod":   "Rodovia",
	"est":   "Estrada",
	"pc":    "Praça",
	"pca":   "Praça",
	"lgo":   "Largo",
	"jd":    "Jardim",
	"vl":    "Vila",
	"pq":    "Parque",
	"dr":    "Doutor",
	"dra":   "Doutora",
	"prof":  "Professor",
	"profa": "Professora",
	"eng":   "Engenheiro",
	"cel":   "Coronel",
	"gen":   "General",
	"mal":   "Marechal",
	"pres":  "Presidente",
	"sen":   "Senador",
	"dep":   "Deputado",
	"sta":   "Santa",
	"sto":   "Santo",
}

// stateCodes maps folded full state names to their 2-letter code.
var stateCodes = map[string]string{
	"ACRE":                "AC",
	"ALAGOAS":             "AL",
	"AMAPA":               "AP",
	"AMAZONAS":            "AM",
	"BAHIA":               "BA",
	"CEARA":               "CE",
	"DISTRITO FEDERAL":    "DF",
	"ESPIRITO SANTO":      "ES",
	"GOIAS":               "GO",
	"MARANHAO":            "MA",
	"MATO GROSSO":         "MT",
	"MATO GROSSO DO SUL":  "MS",
	"MINAS GERAIS":        "MG",
	"PARA":                "PA",
	"PARAIBA":             "PB",
	"PARANA":              "PR",
	"PERNAMBUCO":          "PE",
	"PIAUI":               "PI",
	"RIO DE JANEIRO":      "RJ",
	"RIO GRANDE DO NORTE": "RN",
	"RIO GRANDE DO SUL":   "RS",
	"RONDONIA":            "RO",
	"RORAIMA":             "RR",
	"SANTA CATARINA":      "SC",
	"SAO PAULO":           "SP",
	"SERGIPE":             "SE",
	"TOCANTINS":           "TO",
}

var validStateCodes = func() map[string]bool {
	m := make(map[string]bool, len(stateCodes))
	for _, code := range stateCodes {
		m[code] = true
	}
	return m
}()

// NormalizeAddressRules is the deterministic rule-based normalizer: expands
// the fixed abbreviation table, title-cases connectives-aware, and trims
// repeated whitespace. Idempotent.
func NormalizeAddressRules(address string) (string, []string) {
	var changes []string
	fields := strings.Fields(address)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		key := strings.ToLower(strings.TrimRight(f, "."))
		key = foldAccents(key)
		if exp, ok := streetExpansions[key]; ok && strings.HasSuffix(f, ".") {
			changes = append(changes, f+" -> "+exp)
			out = append(out, exp)
			continue
		}
		// Bare "R" / "Av" without a dot at the start of the address is still
		// an abbreviation in practice.
		if len(out) == 0 {
			if exp, ok := streetExpansions[key]; ok && len(f) <= 4 {
				changes = append(changes, f+" -> "+exp)
				out = append(out, exp)
				continue
			}
		}
		out = append(out, f)
	}
	return strings.Join(out, " "), changes
}

// NormalizeStateRules maps a state name or code to the 2-letter code.
// Unknown inputs are returned uppercased unchanged.
func NormalizeStateRules(state string) string {
	s := strings.ToUpper(strings.TrimSpace(state))
	if validStateCodes[s] {
		return s
	}
	folded := foldAccentsUpper(s)
	if code, ok := stateCodes[folded]; ok {
		return code
	}
	return s
}

// NormalizeCityRules title-cases a city name, keeping Portuguese connectives
// lowercased. Idempotent.
func NormalizeCityRules(city string) string {
	fields := strings.Fields(strings.TrimSpace(city))
	for i, f := range fields {
		lower := strings.ToLower(f)
		switch lower {
		case "de", "da", "do", "das", "dos", "e":
			if i > 0 {
				fields[i] = lower
				continue
			}
		}
		fields[i] = titleWord(lower)
	}
	return strings.Join(fields, " ")
}

func titleWord(w string) string {
	runes := []rune(w)
	if len(runes) == 0 {
		return w
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func foldAccentsUpper(s string) string {
	replacer := strings.NewReplacer(
		"Á", "A", "À", "A", "Â", "A", "Ã", "A", "Ä", "A",
		"É", "E", "Ê", "E", "È", "E",
		"Í", "I", "Î", "I",
		"Ó", "O", "Ô", "O", "Õ", "O", "Ö", "O",
		"Ú", "U", "Û", "U", "Ü", "U",
		"Ç", "C",
	)
	return replacer.Replace(s)
}

// ValidStateCode reports whether s is a recognized 2-letter state code.
func ValidStateCode(s string) bool {
	return validStateCodes[strings.ToUpper(strings.TrimSpace(s))]
}
