package main

import (
	paths "github.com/arduino/go-paths-helper"
	"gopkg.in/yaml.v3"

	"github.com/cesanta/esp8266-flasher/internal/orchestrator"
)

// bundleManifest is the YAML format of the firmware bundle this CLI
// accepts: a list of named, addressed flash images. Unpacking a
// signed/compressed distribution archive into this form is out of
// scope (spec §1's "packaging/signing of firmware bundles").
type bundleManifest struct {
	Parts []bundlePart `yaml:"parts"`
}

type bundlePart struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
	Type string `yaml:"type,omitempty"`
	File string `yaml:"file"`
}

// loadBundle reads manifestPath and resolves each part's file relative
// to the manifest's own directory, returning parts ready for
// orchestrator.Flasher.Run.
func loadBundle(manifestPath *paths.Path) ([]orchestrator.Part, error) {
	raw, err := manifestPath.ReadFile()
	if err != nil {
		return nil, err
	}
	var manifest bundleManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, err
	}

	dir := manifestPath.Parent()
	parts := make([]orchestrator.Part, 0, len(manifest.Parts))
	for _, p := range manifest.Parts {
		data, err := dir.Join(p.File).ReadFile()
		if err != nil {
			return nil, err
		}
		attrs := map[string]string{"addr": p.Addr}
		if p.Type != "" {
			attrs["type"] = p.Type
		}
		parts = append(parts, orchestrator.Part{Name: p.Name, Data: data, Attrs: attrs})
	}
	return parts, nil
}
