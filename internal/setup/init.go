// Package setup initializes an .ailoop directory for a repository.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/haruyama/ailoop/templates"
)

const ailoopDir = ".ailoop"

// Run creates the .ailoop directory layout inside projectDir and
// writes the annotated default config. Fails when the directory
// already exists rather than touching an initialized project.
func Run(projectDir string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, ailoopDir)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"artifacts", "locks"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := templates.FS.ReadFile("config.yaml")
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, "config.yaml"), cfg, 0644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return base, nil
}
