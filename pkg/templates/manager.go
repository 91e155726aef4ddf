// Package templates loads and renders the alert message templates
// shipped alongside the binary.
package templates

import (
	"bytes"
	"fmt"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"

	"github.com/stockshield/risk-engine/pkg/logger"
)

// Renderer renders a named message template
type Renderer interface {
	ExecuteTemplate(name string, data any) (string, error)
}

// Manager holds the template set parsed from one directory
type Manager struct {
	set *template.Template
}

// NewManager parses every *.tmpl in dir. The alert templates use only
// built-in actions, so no function map is installed.
func NewManager(dir string) (*Manager, error) {
	set, err := template.ParseGlob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return nil, fmt.Errorf("failed to load templates from %s: %w", dir, err)
	}

	logger.Info("message templates loaded",
		zap.String("directory", dir),
		zap.Int("count", len(set.Templates())),
	)

	return &Manager{set: set}, nil
}

// NewManagerWithValidation parses dir and fails when any required
// template is missing
func NewManagerWithValidation(dir string, required []string) (*Manager, error) {
	m, err := NewManager(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range required {
		if m.set.Lookup(name) == nil {
			return nil, fmt.Errorf("required template not found: %s", name)
		}
	}
	return m, nil
}

// ExecuteTemplate renders one template into a string
func (m *Manager) ExecuteTemplate(name string, data any) (string, error) {
	tmpl := m.set.Lookup(name)
	if tmpl == nil {
		return "", fmt.Errorf("template %s not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}
