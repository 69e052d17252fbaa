package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AssetManifest lists the URLs a worker stores when it is installed.
type AssetManifest struct {
	Assets []string `yaml:"assets"`
}

// LoadAssets reads an asset manifest file.
// Blank entries are dropped.
func LoadAssets(filename string) ([]string, error) {
	var manifest AssetManifest
	manifestBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read asset manifest: %w", err)
	}
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("config: parse asset manifest %s: %w", filename, err)
	}
	assets := make([]string, 0, len(manifest.Assets))
	for _, asset := range manifest.Assets {
		if asset = strings.TrimSpace(asset); asset != "" {
			assets = append(assets, asset)
		}
	}
	return assets, nil
}
