// Package security statically validates generated scripts before they are
// cached or executed.
//
// Deny-first evaluation: dangerous call patterns are checked before the
// import allowlist. A script that fails to parse is rejected outright —
// validation fails closed, never open.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// ErrPolicyViolation is wrapped by all validation failures.
var ErrPolicyViolation = errors.New("policy violation")

// allowedImports is the builtin import allowlist: stdlib modules plus the
// data-science, web, media and file-format packages scripts commonly need.
var allowedImports = map[string]bool{
	// Standard library.
	"json": true, "sys": true, "os": true, "pathlib": true,
	"datetime": true, "time": true, "math": true, "random": true,
	"collections": true, "itertools": true, "functools": true,
	"operator": true, "re": true, "string": true, "urllib": true,
	"http": true, "base64": true, "hashlib": true, "uuid": true,
	"tempfile": true, "shutil": true, "zipfile": true, "tarfile": true,
	"csv": true, "xml": true, "html": true, "email": true, "logging": true,
	"subprocess": true, "threading": true, "multiprocessing": true,
	"queue": true, "socket": true, "ssl": true, "gzip": true,
	"bz2": true, "lzma": true, "pickle": true, "copy": true, "warnings": true,
	// Data science.
	"numpy": true, "pandas": true, "matplotlib": true, "seaborn": true,
	"scipy": true, "sklearn": true,
	// Web.
	"requests": true, "urllib3": true, "httpx": true,
	// Media.
	"moviepy": true, "PIL": true, "opencv": true, "cv2": true,
	// File formats and CLI.
	"yaml": true, "toml": true, "configparser": true, "argparse": true,
	"click": true,
}

// deniedPatterns match dangerous call sites. Checked case-insensitively
// against the raw source, so obfuscation via casing does not help.
var deniedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)__import__\s*\(`),
	regexp.MustCompile(`(?i)exec\s*\(`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)compile\s*\(`),
	// open() with a parent-directory escape in the path literal.
	regexp.MustCompile(`(?i)open\s*\(\s*['"][^'"]*\.\./`),
	regexp.MustCompile(`(?i)open\s*\(\s*['"][^'"]*\.\.\\`),
	regexp.MustCompile(`(?i)subprocess\.run\s*\(`),
	regexp.MustCompile(`(?i)os\.system\s*\(`),
	regexp.MustCompile(`(?i)os\.popen\s*\(`),
	regexp.MustCompile(`(?i)os\.exec\w*\s*\(`),
	regexp.MustCompile(`(?i)os\.spawn\w*\s*\(`),
	regexp.MustCompile(`(?i)os\.fork\s*\(`),
	regexp.MustCompile(`(?i)os\.kill\s*\(`),
	regexp.MustCompile(`(?i)os\.remove\s*\(`),
	regexp.MustCompile(`(?i)os\.unlink\s*\(`),
	regexp.MustCompile(`(?i)os\.rmdir\s*\(`),
	regexp.MustCompile(`(?i)os\.removedirs\s*\(`),
	regexp.MustCompile(`(?i)shutil\.rmtree\s*\(`),
	regexp.MustCompile(`(?i)shutil\.move\s*\(`),
	regexp.MustCompile(`(?i)shutil\.copy\s*\(`),
	regexp.MustCompile(`(?i)shutil\.copytree\s*\(`),
}

// ValidationResult reports the outcome of static validation.
// Valid is true iff Violations is empty.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// Validator statically checks Python sources against the import allowlist
// and the dangerous-pattern denylist. Safe for concurrent use.
type Validator struct {
	mu     sync.Mutex // tree-sitter parsers are not concurrency-safe
	parser *sitter.Parser
	logger *slog.Logger
}

// NewValidator creates a script validator.
func NewValidator(logger *slog.Logger) *Validator {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &Validator{
		parser: parser,
		logger: logger,
	}
}

// Validate checks source against the denylist and the import allowlist.
// deps are the artifact's declared dependencies: an import not on the
// builtin allowlist is still accepted when its name appears (case-
// insensitively) inside any dep string, so "requests==2.31.0" covers
// "import requests".
func (v *Validator) Validate(ctx context.Context, source string, deps []string) ValidationResult {
	var violations []string

	// Deny list checked first.
	for _, pat := range deniedPatterns {
		if loc := pat.FindString(source); loc != "" {
			violations = append(violations, fmt.Sprintf("blocked pattern: %s", strings.TrimSpace(loc)))
		}
	}

	imports, err := v.extractImports(ctx, []byte(source))
	if err != nil {
		// Unparseable source is never allowed through.
		violations = append(violations, fmt.Sprintf("syntax error: %v", err))
		return ValidationResult{Valid: false, Violations: violations}
	}

	for _, imp := range imports {
		if !importAllowed(imp, deps) {
			violations = append(violations, fmt.Sprintf("import not allowed: %s", imp))
		}
	}

	result := ValidationResult{Valid: len(violations) == 0, Violations: violations}
	if !result.Valid {
		v.logger.Warn("script rejected by policy",
			slog.Int("violations", len(violations)),
			slog.String("first", violations[0]),
		)
	}
	return result
}

// Check is Validate with an error return for callers that treat any
// violation as a failure.
func (v *Validator) Check(ctx context.Context, source string, deps []string) error {
	result := v.Validate(ctx, source, deps)
	if result.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPolicyViolation, strings.Join(result.Violations, "; "))
}

// extractImports parses the source and returns the top-level package name
// of every import. A tree with parse errors is reported as a syntax error.
func (v *Validator) extractImports(ctx context.Context, source []byte) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	tree, err := v.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, errors.New("source does not parse as valid Python")
	}

	seen := make(map[string]bool)
	var imports []string
	collectImports(root, source, seen, &imports)
	return imports, nil
}

// collectImports walks the AST for import_statement and
// import_from_statement nodes.
func collectImports(node *sitter.Node, source []byte, seen map[string]bool, out *[]string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "import_statement":
			// import a.b, c as d
			for j := 0; j < int(child.NamedChildCount()); j++ {
				name := child.NamedChild(j)
				if name.Type() == "aliased_import" {
					name = name.ChildByFieldName("name")
				}
				if name != nil {
					addImport(topLevel(string(source[name.StartByte():name.EndByte()])), seen, out)
				}
			}
		case "import_from_statement":
			// from a.b import c — only the module root matters.
			if mod := child.ChildByFieldName("module_name"); mod != nil {
				addImport(topLevel(string(source[mod.StartByte():mod.EndByte()])), seen, out)
			}
		default:
			collectImports(child, source, seen, out)
		}
	}
}

func addImport(name string, seen map[string]bool, out *[]string) {
	// Relative imports ("from . import x") have no module root.
	if name == "" || seen[name] {
		return
	}
	seen[name] = true
	*out = append(*out, name)
}

func topLevel(module string) string {
	name, _, _ := strings.Cut(module, ".")
	return strings.TrimSpace(name)
}

// importAllowed reports whether name is on the builtin allowlist or is
// covered by a declared dependency (case-insensitive substring match).
func importAllowed(name string, deps []string) bool {
	if allowedImports[name] {
		return true
	}
	lower := strings.ToLower(name)
	for _, dep := range deps {
		if strings.Contains(strings.ToLower(dep), lower) {
			return true
		}
	}
	return false
}
