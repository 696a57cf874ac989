package reportsweep

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmguard/craterd/internal/model"
)

// summary is the JSON shape written for each completed experiment.
type summary struct {
	Name         string     `json:"name"`
	Mode         model.Mode `json:"mode"`
	Toolchains   [2]string  `json:"toolchains"`
	PackageCount int        `json:"package_count"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// JSONGenerator writes a minimal JSON summary under Dir and returns a
// file:// URL to it.
type JSONGenerator struct {
	Dir string
}

func (g *JSONGenerator) Generate(ctx context.Context, e *model.Experiment) (string, error) {
	s := summary{
		Name:         e.Name,
		Mode:         e.Mode,
		Toolchains:   [2]string{string(e.Toolchains[0]), string(e.Toolchains[1])},
		PackageCount: len(e.Packages),
		CompletedAt:  time.Now(),
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("generate report: marshal: %w", err)
	}

	if err := os.MkdirAll(g.Dir, 0755); err != nil {
		return "", fmt.Errorf("generate report: mkdir: %w", err)
	}

	path := filepath.Join(g.Dir, e.Name+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("generate report: write: %w", err)
	}

	return "file://" + path, nil
}
