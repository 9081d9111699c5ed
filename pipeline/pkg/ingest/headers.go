package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const headerSystemPrompt = `You map spreadsheet columns of Brazilian business lead lists to canonical fields.
Respond with a single JSON object and nothing else. Keys are the canonical field
names: name, phone, address, city, state, zip, document, serviceType. Values are
the exact header text of the matching column. Omit fields with no matching
column. "document" is the CNPJ or CPF column.`

// mapHeaders asks the text model to identify columns, falling back to keyword
// matching when no model is configured or the response cannot be parsed.
func (p *Parser) mapHeaders(ctx context.Context, header []string, sample [][]string) (Mapping, bool) {
	if p.llm != nil {
		mapping, err := p.mapHeadersLLM(ctx, header, sample)
		if err == nil {
			return mapping, true
		}
		p.log.Warn("ingest: LLM header mapping failed, using keyword fallback", "error", err)
	}
	return mapHeadersKeywords(header), false
}

func (p *Parser) mapHeadersLLM(ctx context.Context, header []string, sample [][]string) (Mapping, error) {
	var b strings.Builder
	b.WriteString("Headers: ")
	b.WriteString(strings.Join(header, " | "))
	for i, row := range sample {
		fmt.Fprintf(&b, "\nRow %d: %s", i+1, strings.Join(row, " | "))
	}

	resp, err := p.llm.Complete(ctx, headerSystemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("failed to complete header mapping: %w", err)
	}

	var byHeader map[string]string
	if err := json.Unmarshal([]byte(extractJSON(resp)), &byHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header mapping response: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}

	mapping := make(Mapping)
	for field, headerText := range byHeader {
		if !validField(field) {
			continue
		}
		if idx, ok := index[strings.ToLower(strings.TrimSpace(headerText))]; ok {
			mapping[field] = idx
		}
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("mapping response matched no headers")
	}
	return mapping, nil
}

// keywordsByField drives the fallback. Portuguese first, English second.
var keywordsByField = map[string][]string{
	FieldDocument:    {"cnpj", "cpf", "documento", "document", "doc"},
	FieldName:        {"nome", "razao", "razão", "fantasia", "estabelecimento", "empresa", "name"},
	FieldAddress:     {"endereco", "endereço", "logradouro", "rua", "address"},
	FieldCity:        {"cidade", "municipio", "município", "city"},
	FieldState:       {"estado", "uf", "state"},
	FieldZip:         {"cep", "zip", "postal"},
	FieldPhone:       {"telefone", "fone", "celular", "whatsapp", "phone"},
	FieldServiceType: {"tipo", "servico", "serviço", "atividade", "segmento", "ramo"},
}

// fallbackOrder resolves conflicts: the document column wins first pick.
var fallbackOrder = []string{
	FieldDocument, FieldName, FieldAddress, FieldCity,
	FieldState, FieldZip, FieldPhone, FieldServiceType,
}

func mapHeadersKeywords(header []string) Mapping {
	mapping := make(Mapping)
	taken := make(map[int]bool)

	for _, field := range fallbackOrder {
		for i, h := range header {
			if taken[i] {
				continue
			}
			lower := strings.ToLower(h)
			for _, kw := range keywordsByField[field] {
				if strings.Contains(lower, kw) {
					mapping[field] = i
					taken[i] = true
					break
				}
			}
			if _, ok := mapping[field]; ok {
				break
			}
		}
	}
	return mapping
}

func validField(field string) bool {
	for _, f := range canonicalFields {
		if f == field {
			return true
		}
	}
	return false
}

// extractJSON pulls the first JSON object out of a model response that may be
// wrapped in prose or a markdown code fence.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
