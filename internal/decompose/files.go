package decompose

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	backtickPattern = regexp.MustCompile("`([^`]+)`")
	pathToken       = regexp.MustCompile(`^[A-Za-z0-9_.\-*/{}\[\]]+$`)
)

var sourceExtensions = map[string]bool{
	".go": true, ".mod": true, ".sum": true,
	".py": true, ".rb": true, ".rs": true, ".java": true, ".kt": true,
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".vue": true,
	".c": true, ".h": true, ".cc": true, ".cpp": true, ".hpp": true, ".cs": true,
	".sh": true, ".sql": true, ".proto": true,
	".html": true, ".css": true, ".scss": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".md": true, ".txt": true,
}

var notPaths = map[string]bool{
	"and/or": true, "either/or": true, "input/output": true, "read/write": true, "i/o": true,
}

// ExtractFiles returns the sorted, de-duplicated set of paths and globs mentioned in text.
func ExtractFiles(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tok string) {
		p, ok := normalizePath(tok)
		if !ok || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	for _, m := range backtickPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, tok := range strings.Fields(backtickPattern.ReplaceAllString(text, " ")) {
		add(tok)
	}

	sort.Strings(out)
	return out
}

func normalizePath(tok string) (string, bool) {
	tok = strings.TrimRight(tok, ".,;:!?)]\"'")
	tok = strings.TrimLeft(tok, "([\"'")
	if tok == "" || strings.Contains(tok, "://") || !pathToken.MatchString(tok) {
		return "", false
	}
	if notPaths[strings.ToLower(tok)] {
		return "", false
	}

	isGlob := strings.ContainsAny(tok, "*{[")
	hasSlash := strings.Contains(tok, "/")
	if !hasSlash && !isGlob && !sourceExtensions[strings.ToLower(path.Ext(tok))] {
		return "", false
	}
	if isGlob && !doublestar.ValidatePattern(tok) {
		return "", false
	}

	dir := strings.HasSuffix(tok, "/")
	tok = strings.TrimPrefix(tok, "./")
	tok = path.Clean(tok)
	if tok == "." || tok == "/" || strings.HasPrefix(tok, "../") {
		return "", false
	}
	if dir {
		tok += "/"
	}
	return tok, true
}

// PathsOverlap reports whether two mentioned paths may refer to the same file.
// Equal paths, a directory and anything beneath it, and a glob and any path it
// matches all overlap.
func PathsOverlap(a, b string) bool {
	ta := strings.TrimSuffix(a, "/")
	tb := strings.TrimSuffix(b, "/")
	if ta == tb {
		return true
	}
	if strings.HasPrefix(tb, ta+"/") || strings.HasPrefix(ta, tb+"/") {
		return true
	}
	if ok, _ := doublestar.Match(ta, tb); ok {
		return true
	}
	if ok, _ := doublestar.Match(tb, ta); ok {
		return true
	}
	return false
}
