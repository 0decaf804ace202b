package decompose

import (
	"reflect"
	"testing"
)

func TestExtractFiles(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "mixed mentions",
			text: "Edit `pkg/models/task.go`, ./cmd/main.go and docs/**/*.md; see https://x.io/a/b and/or e.g. v1.2",
			want: []string{"cmd/main.go", "docs/**/*.md", "pkg/models/task.go"},
		},
		{
			name: "bare file names with known extensions",
			text: "Update go.mod and README.md (and config.yaml).",
			want: []string{"README.md", "config.yaml", "go.mod"},
		},
		{
			name: "directory mention keeps trailing slash",
			text: "Move everything under internal/legacy/ into the new package",
			want: []string{"internal/legacy/"},
		},
		{
			name: "duplicates collapse",
			text: "Fix api/ping.go then re-test `api/ping.go` and ./api/ping.go",
			want: []string{"api/ping.go"},
		},
		{
			name: "parent escapes are ignored",
			text: "Do not touch ../outside.go",
			want: nil,
		},
		{
			name: "no paths",
			text: "Make it faster.",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractFiles(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractFiles() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPathsOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"api/ping.go", "api/ping.go", true},
		{"internal/auth/", "internal/auth/login.go", true},
		{"internal/auth", "internal/auth/login.go", true},
		{"internal/**/*.go", "internal/auth/login.go", true},
		{"internal/auth/login.go", "internal/**/*.go", true},
		{"internal/auth/login.go", "internal/auth/logout.go", false},
		{"internal/auth", "internal/authz/policy.go", false},
		{"web/**/*.tsx", "internal/auth/login.go", false},
	}

	for _, tt := range tests {
		if got := PathsOverlap(tt.a, tt.b); got != tt.want {
			t.Errorf("PathsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
