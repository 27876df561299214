package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// NewTestLogger returns a debug-level logger so failing tests show the execution flow.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// LoadFixture reads a file relative to the project root (the directory holding go.mod).
func LoadFixture(relPath string) ([]byte, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	root := wd
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(root)
		if parent == root {
			return nil, fmt.Errorf("could not find project root (go.mod not found)")
		}
		root = parent
	}

	data, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture %s: %w", relPath, err)
	}
	return data, nil
}

// DecodeYAML dedents content and decodes it into out, so test cases can be
// written inline in Go raw strings.
func DecodeYAML(content string, out any) error {
	return yaml.Unmarshal([]byte(Dedent(content)), out)
}

// LoadYAMLFixture reads a project-relative YAML file into out.
func LoadYAMLFixture(relPath string, out any) error {
	data, err := LoadFixture(relPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse fixture %s: %w", relPath, err)
	}
	return nil
}

// Dedent strips the common leading indentation and turns tabs into spaces.
func Dedent(s string) string {
	const tabWidth = 4
	lines := strings.Split(strings.ReplaceAll(s, "\t", strings.Repeat(" ", tabWidth)), "\n")

	minIndent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " "))
		if minIndent == -1 || indent < minIndent {
			minIndent = indent
		}
	}
	if minIndent <= 0 {
		return strings.Join(lines, "\n")
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = line[minIndent:]
	}
	return strings.Join(lines, "\n")
}
