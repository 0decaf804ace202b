package protect

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"go.yaml.in/yaml/v3"
)

// Detector checks whether paths fall in protected areas. Three checks run
// in order: glob patterns, keywords in the file name, and file types.
type Detector struct {
	patterns  []string
	keywords  map[string]bool
	fileTypes map[string]bool
}

// projectConfig is the protected_areas section of .fanout.yaml.
type projectConfig struct {
	ProtectedAreas struct {
		Patterns  []string `yaml:"patterns"`
		Keywords  []string `yaml:"keywords"`
		FileTypes []string `yaml:"file_types"`
	} `yaml:"protected_areas"`
}

// New creates a detector with the default rules.
func New() *Detector {
	d := &Detector{
		keywords:  make(map[string]bool),
		fileTypes: make(map[string]bool),
	}
	d.add(DefaultPatterns, DefaultKeywords, DefaultFileTypes)
	return d
}

func (d *Detector) add(patterns, keywords, fileTypes []string) {
	for _, p := range patterns {
		if doublestar.ValidatePattern(p) {
			d.patterns = append(d.patterns, p)
		}
	}
	for _, k := range keywords {
		d.keywords[strings.ToLower(k)] = true
	}
	for _, ext := range fileTypes {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		d.fileTypes[ext] = true
	}
}

// LoadConfig adds the protected_areas rules of a project config file.
// A missing file is not an error.
func (d *Detector) LoadConfig(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", configPath, err)
	}

	var cfg projectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse protected_areas in %s: %w", configPath, err)
	}
	d.add(cfg.ProtectedAreas.Patterns, cfg.ProtectedAreas.Keywords, cfg.ProtectedAreas.FileTypes)
	return nil
}

// IsProtected reports whether p is in a protected area.
func (d *Detector) IsProtected(p string) bool {
	ok, _ := d.Check(p)
	return ok
}

// Check reports whether p is in a protected area and which rule matched.
func (d *Detector) Check(p string) (bool, string) {
	p = strings.TrimSuffix(strings.TrimPrefix(filepath.ToSlash(p), "./"), "/")

	for _, pattern := range d.patterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true, "matches " + pattern
		}
	}

	base := path.Base(p)
	for _, word := range nameWords(strings.TrimSuffix(base, path.Ext(base))) {
		if d.keywords[word] {
			return true, "name contains " + word
		}
	}

	if ext := strings.ToLower(path.Ext(base)); ext != "" && d.fileTypes[ext] {
		return true, ext + " file"
	}
	return false, ""
}

// nameWords splits a file name into lower-case words at separators and
// camelCase boundaries: "TokenService" gives [token service].
func nameWords(name string) []string {
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) ||
			(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}
