package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxRepairTrims bounds how many trailing elements repair may drop.
const maxRepairTrims = 64

// adaptedResponseFormat returns a provider-compatible response format while
// preserving the original canonical schema for local validation.
func adaptedResponseFormat(model string, rf *ResponseFormat) (*openRouterResponseFormat, error) {
	if rf == nil {
		return nil, nil
	}
	// anthropic/* may be routed to backends that reject native structured
	// output; those rely on the prompt plus local validation.
	if isAnthropicModel(model) {
		return nil, nil
	}
	return &openRouterResponseFormat{
		Type:       rf.Type,
		JSONSchema: rf.JSONSchema,
	}, nil
}

func isAnthropicModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	return strings.HasPrefix(m, "anthropic/") || strings.HasPrefix(m, "claude")
}

// ParseStructured turns raw model output into validated JSON. It strips
// markdown fences and surrounding prose, repairs truncated output, and checks
// the result against schema when one is given. Failures are KindParse.
func ParseStructured(provider, model, content string, schema json.RawMessage) (json.RawMessage, error) {
	parsed, err := parseStructuredJSON(content)
	if err != nil {
		return nil, &CallError{Kind: KindParse, Provider: provider, Model: model, Err: err}
	}
	if err := validateStructuredJSON(schema, parsed); err != nil {
		return nil, &CallError{Kind: KindParse, Provider: provider, Model: model, Err: err}
	}
	return parsed, nil
}

// parseStructuredJSON parses JSON from model output, trying the raw text, the
// fenced body, the extracted candidate and finally a repaired candidate.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractJSONCandidate(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		if out, ok := normalizeJSON(candidate); ok {
			return out, nil
		}
	}

	body := content
	if stripped := stripCodeFences(content); stripped != "" {
		body = stripped
	}
	if start := strings.IndexAny(body, "{["); start >= 0 {
		if out, ok := repairJSON(body[start:]); ok {
			return out, nil
		}
	}

	return nil, fmt.Errorf("failed to parse structured JSON")
}

func normalizeJSON(candidate string) (json.RawMessage, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, false
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return nil, false
	}
	return out, true
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractJSONCandidate(content string) string {
	trimmed := strings.TrimSpace(content)
	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return ""
	}
	closeChar := "}"
	if trimmed[start] == '[' {
		closeChar = "]"
	}
	end := strings.LastIndex(trimmed, closeChar)
	if end < start {
		return ""
	}
	return strings.TrimSpace(trimmed[start : end+1])
}

// repairJSON closes unbalanced strings, brackets and braces. If the result
// still does not parse, the trailing element is dropped and the text closed
// again, repeatedly, until something parses.
func repairJSON(s string) (json.RawMessage, bool) {
	for i := 0; i < maxRepairTrims && s != ""; i++ {
		if out, ok := normalizeJSON(closeJSON(s)); ok {
			return out, true
		}
		cut := lastElementBoundary(s)
		if cut <= 0 || cut >= len(s) {
			return nil, false
		}
		s = s[:cut]
	}
	return nil, false
}

// closeJSON appends whatever closers s is missing and removes dangling
// separators before them.
func closeJSON(s string) string {
	var b strings.Builder
	var stack []byte
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				// stray closer: stop here and close what is open
				return finishJSON(b.String(), stack)
			}
			trimDangling(&b)
			stack = stack[:len(stack)-1]
		}
		b.WriteByte(c)
		if len(stack) == 0 && (c == '}' || c == ']') {
			return b.String()
		}
	}

	out := b.String()
	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out += `"`
	}
	return finishJSON(out, stack)
}

func finishJSON(s string, stack []byte) string {
	var b strings.Builder
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		trimDangling(&b)
		b.WriteByte(stack[i])
	}
	return b.String()
}

// trimDangling drops a trailing comma or colon (and whitespace) from b.
func trimDangling(b *strings.Builder) {
	s := strings.TrimRight(b.String(), " \t\r\n")
	for strings.HasSuffix(s, ",") || strings.HasSuffix(s, ":") {
		s = strings.TrimRight(s[:len(s)-1], " \t\r\n")
	}
	if len(s) != b.Len() {
		b.Reset()
		b.WriteString(s)
	}
}

// lastElementBoundary returns the index of the last comma outside a string
// at any nesting depth, or of the last opening bracket when there is none.
func lastElementBoundary(s string) int {
	inString, escaped := false, false
	lastComma, lastOpen := -1, -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			lastComma = i
		case '{', '[':
			lastOpen = i
		}
	}
	if lastComma > 0 {
		return lastComma
	}
	if lastOpen > 0 {
		return lastOpen + 1
	}
	return -1
}

// validateStructuredJSON validates parsed JSON against the canonical schema.
func validateStructuredJSON(schemaRaw, parsed json.RawMessage) error {
	if len(schemaRaw) == 0 || len(parsed) == 0 {
		return nil
	}

	coreSchema, err := extractValidationSchema(schemaRaw)
	if err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(coreSchema)); err != nil {
		return fmt.Errorf("failed to load structured schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile structured schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return fmt.Errorf("failed to decode structured JSON for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("structured output does not match schema: %w", err)
	}
	return nil
}

func extractValidationSchema(schemaRaw json.RawMessage) (json.RawMessage, error) {
	var root any
	if err := json.Unmarshal(schemaRaw, &root); err != nil {
		return nil, fmt.Errorf("invalid structured schema JSON: %w", err)
	}

	if rootMap, ok := root.(map[string]any); ok {
		// {"name","strict","schema":{...}} wrapper
		if inner, ok := rootMap["schema"]; ok {
			b, err := json.Marshal(inner)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize inner schema: %w", err)
			}
			return b, nil
		}
	}
	return schemaRaw, nil
}
