// Package protect flags paths in sensitive areas of a repository, such as
// credentials, migrations and infrastructure, so a plan touching them can be
// reviewed before workers run.
package protect

// DefaultPatterns are doublestar globs for areas where a parallel edit is
// risky: credentials, ordered schema changes, deployment and CI definitions,
// and dependency manifests every branch would rewrite.
var DefaultPatterns = []string{
	"**/auth/**",
	"**/secrets/**",
	"**/migrations/**",
	"**/terraform/**",
	"**/k8s/**",
	"**/.github/workflows/**",
	"**/go.mod",
	"**/go.sum",
	"**/package-lock.json",
}

// DefaultKeywords are words that mark a file name as protected. They match
// whole words of the name, so "key" matches api_key.go but not keyboard.go.
var DefaultKeywords = []string{
	"auth",
	"oauth",
	"jwt",
	"login",
	"password",
	"token",
	"secret",
	"key",
	"credential",
	"migration",
}

// DefaultFileTypes are protected file extensions.
var DefaultFileTypes = []string{
	".env",
	".pem",
	".key",
	".sql",
	".tf",
}
