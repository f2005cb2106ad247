package parse

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultMaxIncludeDepth bounds how deep a chain of '#include' directives may nest before
// Preprocessor gives up, guaranteeing expansion always terminates.
const DefaultMaxIncludeDepth = 32

var includeDirective = regexp.MustCompile(`^\s*#include\s+"([^"]+)"\s*$`)

// Preprocessor textually expands '#include "file"' directives ahead of parsing. It rejects a
// file that includes itself, directly or transitively, but allows the same file to be
// expanded more than once if it is reachable via different, non-circular branches of the
// inclusion tree. This is simple textual inclusion, not a module system.
type Preprocessor struct {
	MaxDepth int
}

// NewPreprocessor returns a Preprocessor configured with DefaultMaxIncludeDepth.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{MaxDepth: DefaultMaxIncludeDepth}
}

// Expand reads path and returns its content with every '#include' directive replaced, in
// place, by the expanded content of the file it names.
func (p *Preprocessor) Expand(path string) (string, error) {
	return p.expand(path, nil, 0)
}

func (p *Preprocessor) expand(path string, chain []string, depth int) (string, error) {
	if depth > p.MaxDepth {
		return "", fmt.Errorf("expanding %q: #include nesting exceeds maximum depth %d", path, p.MaxDepth)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}
	for _, c := range chain {
		if c == abs {
			return "", fmt.Errorf("expanding %q: circular #include detected", path)
		}
	}
	chain = append(chain, abs)

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}

	var out strings.Builder
	for _, line := range strings.Split(string(content), "\n") {
		m := includeDirective.FindStringSubmatch(line)
		if m == nil {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}

		incPath := m[1]
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(filepath.Dir(path), incPath)
		}
		expanded, err := p.expand(incPath, chain, depth+1)
		if err != nil {
			return "", err
		}
		out.WriteString(expanded)
		out.WriteByte('\n')
	}

	return out.String(), nil
}
