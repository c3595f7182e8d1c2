package summarize

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/carelink/consultrec/internal/storage"
)

// Parsed is the structured block extracted from a model response.
type Parsed struct {
	Content              string
	KeyPoints            []string
	Medications          []storage.Medication
	FollowUpInstructions string
}

// ExtractStructured finds the first well-formed structured block in raw
// model output. It never fails on malformed input: the second return is
// false when no block is found, and the caller treats the whole response as
// unstructured content.
func ExtractStructured(raw string) (Parsed, bool) {
	for _, candidate := range candidateBlocks(raw) {
		if !gjson.Valid(candidate) {
			continue
		}
		doc := gjson.Parse(candidate)
		if !doc.IsObject() {
			continue
		}

		content := strings.TrimSpace(pick(doc, "content").String())
		if content == "" {
			continue
		}

		parsed := Parsed{
			Content:              content,
			FollowUpInstructions: strings.TrimSpace(pick(doc, "follow_up_instructions", "followUpInstructions").String()),
		}

		pick(doc, "key_points", "keyPoints").ForEach(func(_, value gjson.Result) bool {
			if point := strings.TrimSpace(value.String()); point != "" {
				parsed.KeyPoints = append(parsed.KeyPoints, point)
			}
			return true
		})

		pick(doc, "medications").ForEach(func(_, value gjson.Result) bool {
			name := strings.TrimSpace(value.Get("name").String())
			if name == "" {
				return true
			}
			parsed.Medications = append(parsed.Medications, storage.Medication{
				Name:         name,
				Dosage:       strings.TrimSpace(value.Get("dosage").String()),
				Instructions: strings.TrimSpace(value.Get("instructions").String()),
			})
			return true
		})

		return parsed, true
	}

	return Parsed{}, false
}

func pick(doc gjson.Result, keys ...string) gjson.Result {
	for _, key := range keys {
		if value := doc.Get(key); value.Exists() {
			return value
		}
	}
	return gjson.Result{}
}

// candidateBlocks yields possible JSON blocks in document order: fenced
// code blocks first, then balanced-brace spans of the raw text.
func candidateBlocks(raw string) []string {
	var candidates []string

	rest := raw
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			// Drop the language tag line (```json or bare ```).
			body = body[nl+1:]
		}
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		candidates = append(candidates, strings.TrimSpace(body[:end]))
		rest = body[end+3:]
	}

	candidates = append(candidates, balancedSpans(raw)...)
	return candidates
}

// balancedSpans scans for top-level {...} spans, tracking string literals
// so braces inside values do not split a block.
func balancedSpans(raw string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(raw); i++ {
		c := raw[i]
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, raw[start:i+1])
					start = -1
				}
			}
		}
	}

	return spans
}
