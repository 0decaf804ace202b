package decompose

import (
	"regexp"
	"strings"
)

// Style is the list format an item was parsed from.
type Style string

const (
	StyleChecklist Style = "checklist"
	StyleNumbered  Style = "numbered"
	StyleHeader    Style = "header"
)

// Item is one raw entry parsed from a task description.
type Item struct {
	Title       string
	Description string
	Acceptance  []string
}

var (
	checklistPattern  = regexp.MustCompile(`^(\s*)[-*+]\s+\[([ xX])\]\s+(.+)$`)
	numberedPattern   = regexp.MustCompile(`^(\s*)\d+[.)]\s+(.+)$`)
	headerPattern     = regexp.MustCompile(`^(#{2,3})\s+(.+)$`)
	acceptancePattern = regexp.MustCompile(`(?i)^(?:[-*+]\s+)?(?:acceptance|ac)\s*:\s*(.*)$`)
	strikePattern     = regexp.MustCompile(`^~~.+~~$`)
)

// Parse splits a description into items. Checklists win over numbered lists,
// which win over "##" sections. Items already marked done are skipped and counted.
func Parse(text string) (items []Item, style Style, skipped int) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	style, indent := detectStyle(lines)
	if style == "" {
		return nil, "", 0
	}

	var (
		cur  *Item
		done bool
		body []string
	)
	flush := func() {
		if cur == nil {
			return
		}
		if done {
			skipped++
		} else {
			for _, l := range body {
				if m := acceptancePattern.FindStringSubmatch(l); m != nil {
					if c := strings.TrimSpace(m[1]); c != "" {
						cur.Acceptance = append(cur.Acceptance, c)
					}
					continue
				}
				if cur.Description != "" {
					cur.Description += "\n"
				}
				cur.Description += l
			}
			cur.Description = strings.TrimSpace(cur.Description)
			if cur.Description == "" {
				cur.Description = cur.Title
			}
			items = append(items, *cur)
		}
		cur, done, body = nil, false, nil
	}

	for _, line := range lines {
		title, isDone, ok := matchItem(style, indent, line)
		if ok {
			flush()
			cur = &Item{Title: title}
			done = isDone
			continue
		}
		if cur == nil {
			continue
		}
		if style == StyleHeader && strings.HasPrefix(line, "# ") {
			// A top-level heading closes the current section.
			flush()
			continue
		}
		if t := strings.TrimSpace(line); t != "" {
			body = append(body, t)
		}
	}
	flush()

	return items, style, skipped
}

func detectStyle(lines []string) (Style, int) {
	for _, s := range []Style{StyleChecklist, StyleNumbered, StyleHeader} {
		minIndent := -1
		for _, line := range lines {
			var m []string
			switch s {
			case StyleChecklist:
				m = checklistPattern.FindStringSubmatch(line)
			case StyleNumbered:
				m = numberedPattern.FindStringSubmatch(line)
			case StyleHeader:
				m = headerPattern.FindStringSubmatch(line)
			}
			if m == nil {
				continue
			}
			n := len(m[1])
			if minIndent < 0 || n < minIndent {
				minIndent = n
			}
		}
		if minIndent >= 0 {
			return s, minIndent
		}
	}
	return "", 0
}

// matchItem reports whether line starts a top-level item of the given style.
// Nested entries are left to become description text.
func matchItem(style Style, indent int, line string) (title string, done bool, ok bool) {
	switch style {
	case StyleChecklist:
		m := checklistPattern.FindStringSubmatch(line)
		if m == nil || len(m[1]) != indent {
			return "", false, false
		}
		title = strings.TrimSpace(m[3])
		return cleanTitle(title), m[2] != " " || markedDone(title), true
	case StyleNumbered:
		m := numberedPattern.FindStringSubmatch(line)
		if m == nil || len(m[1]) != indent {
			return "", false, false
		}
		title = strings.TrimSpace(m[2])
		return cleanTitle(title), markedDone(title), true
	case StyleHeader:
		m := headerPattern.FindStringSubmatch(line)
		if m == nil || len(m[1]) != indent {
			return "", false, false
		}
		title = strings.TrimSpace(m[2])
		return cleanTitle(title), markedDone(title), true
	}
	return "", false, false
}

func markedDone(title string) bool {
	lower := strings.ToLower(title)
	return strings.Contains(title, "✅") ||
		strings.Contains(lower, "[done]") ||
		strings.Contains(lower, "(done)") ||
		strikePattern.MatchString(title)
}

func cleanTitle(title string) string {
	title = strings.ReplaceAll(title, "✅", "")
	title = strings.TrimSpace(title)
	return title
}
