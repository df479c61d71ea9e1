package llm

import (
	"encoding/json"
	"strings"

	"reploid/pkg/llm/llmerrors"
)

// ExtractJSON pulls the first JSON object or array out of model text.
// Handles fenced blocks (```json ... ``` and bare ``` ... ```), JSON
// embedded in prose, and plain JSON. Returns ok=false when the text
// contains no JSON structure at all.
func ExtractJSON(text string) (string, bool) {
	if text == "" {
		return "", false
	}

	if idx := strings.Index(text, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end != -1 {
			return strings.TrimSpace(text[start : start+end]), true
		}
	}

	if idx := strings.Index(text, "```"); idx != -1 {
		start := idx + 3
		if nl := strings.Index(text[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(text[start:], "```"); end != -1 {
			candidate := strings.TrimSpace(text[start : start+end])
			if strings.HasPrefix(candidate, "{") || strings.HasPrefix(candidate, "[") {
				return candidate, true
			}
		}
	}

	for _, open := range []byte{'{', '['} {
		if idx := strings.IndexByte(text, open); idx != -1 {
			if balanced := scanBalanced(text, idx, open); balanced != "" {
				return balanced, true
			}
		}
	}

	return "", false
}

// scanBalanced returns the balanced JSON structure starting at idx,
// tracking string state so braces inside values don't miscount. Empty
// string means the structure never closes.
func scanBalanced(text string, idx int, open byte) string {
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false

	for i := idx; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[idx : i+1]
			}
		}
	}
	return ""
}

// RepairJSON applies the two fixes models most often need: strip code
// fences and drop trailing commas before closing braces/brackets. It
// never attempts deeper surgery; if the result still fails to parse the
// payload is malformed.
func RepairJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if extracted, ok := ExtractJSON(s); ok {
		s = extracted
	}

	return stripTrailingCommas(s)
}

// stripTrailingCommas removes commas that precede a closing brace or
// bracket (outside of strings), along with any whitespace between the
// comma and the closer. Commas followed by a value keep their trailing
// whitespace untouched.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	heldComma := false // a comma awaiting its verdict
	var heldWS []byte  // whitespace seen after the held comma

	emitHeld := func() {
		if heldComma {
			b.WriteByte(',')
			b.Write(heldWS)
			heldWS = heldWS[:0]
			heldComma = false
		}
	}
	dropHeld := func() {
		heldComma = false
		heldWS = heldWS[:0]
	}

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

		switch {
		case c == ',':
			emitHeld() // consecutive commas: the parser will complain
			heldComma = true
		case c == '}' || c == ']':
			dropHeld()
			b.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if heldComma {
				heldWS = append(heldWS, c)
			} else {
				b.WriteByte(c)
			}
		default:
			emitHeld()
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
		}
	}
	emitHeld()
	return b.String()
}

// DecodeObject repairs raw model text and unmarshals the result into a
// map. Failure after repair is a non-retryable Malformed error.
func DecodeObject(raw string) (map[string]any, error) {
	repaired := RepairJSON(raw)
	var out map[string]any
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, llmerrors.Wrap(llmerrors.TypeMalformed, err, "unrepairable JSON object")
	}
	return out, nil
}

// DecodeArray repairs raw model text and unmarshals a JSON array.
func DecodeArray(raw string) ([]any, error) {
	repaired := RepairJSON(raw)
	var out []any
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, llmerrors.Wrap(llmerrors.TypeMalformed, err, "unrepairable JSON array")
	}
	return out, nil
}
