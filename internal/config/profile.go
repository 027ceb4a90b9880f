package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// BoardProfile pre-fills the flash-size/flash-params options for a
// named board, so a user flashing a known NodeMCU/Wemos/etc. variant
// doesn't have to look up its flash layout by hand. Not part of the
// original tool — a natural extension of "option names are the wire
// contract", see SPEC_FULL.md §10.
type BoardProfile struct {
	Name          string `mapstructure:"name" yaml:"name"`
	FlashSize     string `mapstructure:"flash_size" yaml:"flash_size"`
	FlashParams   string `mapstructure:"flash_params" yaml:"flash_params"`
	FlashBaudRate int    `mapstructure:"flash_baud_rate" yaml:"flash_baud_rate"`
}

// boardProfileFile is the on-disk shape: a list of named boards.
type boardProfileFile struct {
	Boards []map[string]interface{} `yaml:"boards"`
}

// LoadBoardProfiles reads a YAML file of board definitions and
// decodes each into a BoardProfile via mapstructure, so typos in
// optional fields surface as zero values rather than load failures.
func LoadBoardProfiles(path string) (map[string]BoardProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read board profile file %s: %w", path, err)
	}

	var file boardProfileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: failed to parse board profile file %s: %w", path, err)
	}

	profiles := make(map[string]BoardProfile, len(file.Boards))
	for i, raw := range file.Boards {
		var p BoardProfile
		if err := mapstructure.Decode(raw, &p); err != nil {
			return nil, fmt.Errorf("config: board entry %d: %w", i, err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("config: board entry %d has no name", i)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

// ApplyBoardProfile seeds the Defaults level of s with the profile's
// known option values, leaving any value the user already set at a
// higher level untouched.
func ApplyBoardProfile(s *Store, p BoardProfile) {
	if p.FlashSize != "" {
		s.SetValue("esp8266-flash-size", p.FlashSize, Defaults)
	}
	if p.FlashParams != "" {
		s.SetValue("esp8266-flash-params", p.FlashParams, Defaults)
	}
	if p.FlashBaudRate != 0 {
		s.SetValue("flash-baud-rate", fmt.Sprintf("%d", p.FlashBaudRate), Defaults)
	}
}
