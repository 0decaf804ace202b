package protect

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetector_Defaults(t *testing.T) {
	d := New()

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"auth directory", "internal/auth/login.go", true},
		{"auth root", "auth/handler.go", true},
		{"auth directory itself", "internal/auth/", true},
		{"migrations", "db/migrations/001_create_users.sql", true},
		{"terraform", "infra/terraform/main.tf", true},
		{"k8s", "k8s/deployment.yaml", true},
		{"keyword", "handlers/login_handler.go", true},
		{"keyword camel case", "api/TokenService.go", true},
		{"keyword upper case", "internal/USER_AUTH.go", true},
		{"keyword acronym", "auth_utils/JWTValidator.go", true},
		{"keyword inside another word", "ui/keyboard.go", false},
		{"file type", "db/schema.sql", true},
		{"file type upper case", "db/SCHEMA.SQL", true},
		{"dot env", "config/.env", true},
		{"ci workflow", ".github/workflows/ci.yml", true},
		{"root go.sum", "go.sum", true},
		{"nested go.mod", "tools/lint/go.mod", true},
		{"lockfile", "web/package-lock.json", true},
		{"go file named like a manifest", "internal/gomod/parse.go", false},
		{"regular file", "internal/handler/api.go", false},
		{"test file", "internal/handler/api_test.go", false},
		{"docs", "docs/README.md", false},
		{"leading dot slash", "./services/order_service.go", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := d.Check(tt.path)
			if got != tt.want {
				t.Errorf("Check(%q) = %v (%s), want %v", tt.path, got, reason, tt.want)
			}
			if got && reason == "" {
				t.Errorf("Check(%q) matched without a reason", tt.path)
			}
		})
	}
}

func TestNameWords(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"user_auth", []string{"user", "auth"}},
		{"TokenService", []string{"token", "service"}},
		{"JWTValidator", []string{"jwt", "validator"}},
		{"api-key2", []string{"api", "key2"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := nameWords(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("nameWords(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("nameWords(%q) = %v, want %v", tt.in, got, tt.want)
				break
			}
		}
	}
}

func TestDetector_LoadConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, ".fanout.yaml")
	content := `concurrency:
  max_workers: 4
protected_areas:
  patterns:
    - "**/custom_area/**"
  keywords:
    - billing
  file_types:
    - custom
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	d := New()
	if d.IsProtected("internal/custom_area/file.go") {
		t.Fatal("custom area protected before loading config")
	}
	if err := d.LoadConfig(configPath); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	for _, p := range []string{"internal/custom_area/file.go", "svc/billing_handler.go", "config/app.custom"} {
		if !d.IsProtected(p) {
			t.Errorf("IsProtected(%q) = false after LoadConfig", p)
		}
	}
	if !d.IsProtected("db/schema.sql") {
		t.Error("defaults should still apply after LoadConfig")
	}
}

func TestDetector_LoadConfigMissingFile(t *testing.T) {
	if err := New().LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Errorf("LoadConfig(missing) error = %v, want nil", err)
	}
}

func TestDetector_LoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("protected_areas: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := New().LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}
