package hooks

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// sectionBody returns the body text of the first Markdown heading whose
// title matches name, up to (but not including) the next heading at the
// same or a shallower level. Matching is case-insensitive on the heading
// text with leading/trailing whitespace trimmed.
func sectionBody(markdown, name string) (string, bool) {
	lines := strings.Split(markdown, "\n")
	target := strings.ToLower(strings.TrimSpace(name))

	startIdx := -1
	startLevel := 0
	for i, line := range lines {
		level, title, ok := headingParts(line)
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(title)) == target {
			startIdx = i
			startLevel = level
			break
		}
	}
	if startIdx < 0 {
		return "", false
	}

	end := len(lines)
	for i := startIdx + 1; i < len(lines); i++ {
		level, _, ok := headingParts(lines[i])
		if ok && level <= startLevel {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[startIdx+1:end], "\n")), true
}

// headingParts reports whether line is an ATX Markdown heading ("## Title")
// and, if so, its level and title text.
func headingParts(line string) (level int, title string, ok bool) {
	trimmed := strings.TrimLeft(line, " ")
	n := 0
	for n < len(trimmed) && trimmed[n] == '#' {
		n++
	}
	if n == 0 || n > 6 {
		return 0, "", false
	}
	rest := trimmed[n:]
	if rest != "" && rest[0] != ' ' {
		return 0, "", false
	}
	return n, strings.TrimSpace(rest), true
}

// listItemCount counts Markdown list items ("- ", "* ", "1. ") in text.
func listItemCount(text string) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			count++
			continue
		}
		digits := len(trimmed) - len(strings.TrimLeft(trimmed, "0123456789"))
		if digits > 0 && strings.HasPrefix(trimmed[digits:], ". ") {
			count++
		}
	}
	return count
}

// checklistStatus reports the number of checked ("- [x]") and total
// checklist items ("- [ ]" or "- [x]") found in text.
func checklistStatus(text string) (checked, total int) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "- [x]") || strings.HasPrefix(lower, "* [x]"):
			checked++
			total++
		case strings.HasPrefix(lower, "- [ ]") || strings.HasPrefix(lower, "* [ ]"):
			total++
		}
	}
	return checked, total
}

// fencedYAMLBlock extracts the content of the first ```yaml fenced code
// block in markdown.
func fencedYAMLBlock(markdown string) (string, bool) {
	lines := strings.Split(markdown, "\n")
	start := -1
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "```yaml") || strings.HasPrefix(t, "```yml") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return "", false
	}
	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "```" {
			return strings.Join(lines[start:i], "\n"), true
		}
	}
	return "", false
}

// dottedField follows a dot-separated path through a parsed YAML document
// and returns the numeric value found there.
func dottedField(yamlBlock, dottedPath string) (float64, error) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(yamlBlock), &doc); err != nil {
		return 0, fmt.Errorf("parse fenced yaml block: %w", err)
	}
	parts := strings.Split(dottedPath, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("path %q: %q is not an object", dottedPath, p)
		}
		v, ok := m[p]
		if !ok {
			return 0, fmt.Errorf("path %q: field %q not found", dottedPath, p)
		}
		cur = v
	}
	switch v := cur.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("path %q: value is not numeric", dottedPath)
	}
}
