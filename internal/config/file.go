package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileOverlay is the optional YAML config file. Load applies it after the
// flags and before the environment: it never overrides an explicitly set
// flag, and a GSD_* variable only fills a field the file left empty.
type fileOverlay struct {
	NotifyChannels []string `yaml:"notify_channels"`
	WebhookURL     string   `yaml:"webhook_url"`
	Depth          string   `yaml:"depth"`
	Model          string   `yaml:"model"`
}

// loadFileOverlay reads "autopilot.yaml" from projectDir, if present. A
// missing file is not an error — most runs have none.
func loadFileOverlay(projectDir string) (fileOverlay, error) {
	path := filepath.Join(projectDir, "autopilot.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileOverlay{}, nil
		}
		return fileOverlay{}, fmt.Errorf("read %s: %w", path, err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fileOverlay{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return overlay, nil
}
