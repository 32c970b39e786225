package jsonrepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSONFound is returned when no valid JSON object/array can be recovered
var ErrNoJSONFound = errors.New("no valid JSON object or array found in response")

// maxBalanceAppend bounds how many closing braces/brackets the balancing
// strategy may append before giving up.
const maxBalanceAppend = 10

var (
	fencedBlockRe   = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	resultsKeyRe    = regexp.MustCompile(`"results"\s*:\s*\[`)
)

// Recover extracts valid JSON from an LLM response that may contain markdown
// fences, leading prose, truncated tails, unbalanced braces or trailing commas.
//
// Strategies are tried in order of increasing aggressiveness and each one
// starts from the original text, so a partial repair cannot compound into a
// later one. Returns ErrNoJSONFound when every strategy fails.
func Recover(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrNoJSONFound
	}

	strategies := []func(string) string{
		directParse,
		fromFencedBlock,
		byBracketMatching,
		byFirstLastBracket,
		byTruncation,
		byBalancing,
		byTrailingCommaStrip,
		byPartialResultsArray,
	}

	for _, strategy := range strategies {
		if out := strategy(raw); out != "" {
			return out, nil
		}
	}

	return "", fmt.Errorf("%w: response length=%d", ErrNoJSONFound, len(raw))
}

// RecoverTo recovers JSON from the response and unmarshals it into target
func RecoverTo(raw string, target interface{}) error {
	jsonStr, err := Recover(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("recovered JSON does not match expected shape: %w", err)
	}
	return nil
}

// directParse accepts the trimmed text as-is when it is already valid
func directParse(s string) string {
	trimmed := strings.TrimSpace(s)
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	return ""
}

// fromFencedBlock extracts the contents of a ```json ... ``` block
func fromFencedBlock(s string) string {
	matches := fencedBlockRe.FindStringSubmatch(s)
	if len(matches) < 2 {
		return ""
	}
	candidate := strings.TrimSpace(matches[1])
	if json.Valid([]byte(candidate)) {
		return candidate
	}
	// The fenced content itself may be dirty; retry the simpler strategies on it
	if out := byBracketMatching(candidate); out != "" {
		return out
	}
	if out := byBalancing(candidate); out != "" {
		return out
	}
	return ""
}

// byBracketMatching finds the first { or [ and walks a string-aware depth
// counter to its matching closer
func byBracketMatching(s string) string {
	start, openChar, closeChar := findStart(s)
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
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

		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if json.Valid([]byte(candidate)) {
					return candidate
				}
				return ""
			}
		}
	}

	return ""
}

// byFirstLastBracket takes the span from the first opener to the last closer
func byFirstLastBracket(s string) string {
	firstBrace := strings.Index(s, "{")
	lastBrace := strings.LastIndex(s, "}")
	if firstBrace != -1 && lastBrace > firstBrace {
		candidate := s[firstBrace : lastBrace+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}

	firstBracket := strings.Index(s, "[")
	lastBracket := strings.LastIndex(s, "]")
	if firstBracket != -1 && lastBracket > firstBracket {
		candidate := s[firstBracket : lastBracket+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
	}

	return ""
}

// byTruncation cuts the text back to successive closing braces/brackets,
// newest first, until a prefix parses
func byTruncation(s string) string {
	start, _, _ := findStart(s)
	if start == -1 {
		return ""
	}

	body := s[start:]
	attempts := 0
	for end := len(body); end > 0 && attempts < 20; {
		idx := strings.LastIndexAny(body[:end], "}]")
		if idx == -1 {
			return ""
		}
		candidate := body[:idx+1]
		if json.Valid([]byte(candidate)) {
			return candidate
		}
		end = idx
		attempts++
	}

	return ""
}

// byBalancing appends the minimal closing characters for unmatched openers
func byBalancing(s string) string {
	start, _, _ := findStart(s)
	if start == -1 {
		return ""
	}
	body := strings.TrimSpace(s[start:])

	// Track unmatched openers in order, string-aware
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(body); i++ {
		c := body[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
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
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 || len(stack) > maxBalanceAppend {
		return ""
	}

	// A dangling string or trailing comma would poison the balanced result
	candidate := body
	if inString {
		candidate += `"`
	}
	candidate = strings.TrimRight(candidate, ", \n\r\t")

	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			closers.WriteByte('}')
		} else {
			closers.WriteByte(']')
		}
	}
	candidate += closers.String()

	if json.Valid([]byte(candidate)) {
		return candidate
	}
	// Trailing commas are common in truncated output; strip and retry once
	cleaned := trailingCommaRe.ReplaceAllString(candidate, "$1")
	if json.Valid([]byte(cleaned)) {
		return cleaned
	}
	return ""
}

// byTrailingCommaStrip removes commas directly before closing characters
func byTrailingCommaStrip(s string) string {
	start, _, _ := findStart(s)
	if start == -1 {
		return ""
	}
	cleaned := trailingCommaRe.ReplaceAllString(s[start:], "$1")
	cleaned = strings.TrimSpace(cleaned)
	if json.Valid([]byte(cleaned)) {
		return cleaned
	}
	return ""
}

// byPartialResultsArray pulls whatever complete objects exist inside a
// "results" array and rewraps them in a minimal envelope. Last resort for
// responses cut off mid-array.
func byPartialResultsArray(s string) string {
	loc := resultsKeyRe.FindStringIndex(s)
	if loc == nil {
		return ""
	}

	body := s[loc[1]:]
	var objects []string
	depth := 0
	objStart := -1
	inString := false
	escaped := false

	for i := 0; i < len(body); i++ {
		c := body[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
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
		case '{':
			if depth == 0 {
				objStart = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && objStart != -1 {
				obj := body[objStart : i+1]
				if json.Valid([]byte(obj)) {
					objects = append(objects, obj)
				}
				objStart = -1
			}
		case ']':
			if depth == 0 {
				i = len(body) // array closed cleanly, stop scanning
			}
		}
	}

	if len(objects) == 0 {
		return ""
	}

	envelope := `{"results":[` + strings.Join(objects, ",") + `]}`
	if json.Valid([]byte(envelope)) {
		return envelope
	}
	return ""
}

// findStart locates the first plausible JSON opener
func findStart(s string) (int, byte, byte) {
	startObj := strings.Index(s, "{")
	startArr := strings.Index(s, "[")

	switch {
	case startObj == -1 && startArr == -1:
		return -1, 0, 0
	case startArr == -1 || (startObj != -1 && startObj < startArr):
		return startObj, '{', '}'
	default:
		return startArr, '[', ']'
	}
}
