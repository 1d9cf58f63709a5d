package devicetrust

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the string lists used by the static checks. It can be
// overridden from a YAML file without a rebuild.
type Policy struct {
	EmulatorIndicators []string `yaml:"emulator_indicators"`
	GenericBrands      []string `yaml:"generic_brands"`
	CustomROMFragments []string `yaml:"custom_rom_fragments"`
	ReleaseKeyMarkers  []string `yaml:"release_key_markers"`
	RootProbePaths     []string `yaml:"root_probe_paths"`
}

// DefaultPolicy returns the built-in lists.
func DefaultPolicy() *Policy {
	return &Policy{
		EmulatorIndicators: []string{
			"emulator", "simulator", "android sdk", "genymotion", "google_sdk",
			"droid4x", "bluestacks", "goldfish", "vbox", "virtual", "sdk",
			"generic", "qemu", "ranchu", "andy", "test",
		},
		GenericBrands:      []string{"generic", "unknown"},
		CustomROMFragments: []string{"lineageos", "cyanogen", "paranoid", "custom", "aosp", "resurrection", "evolution"},
		ReleaseKeyMarkers:  []string{"test-keys", "dev-keys"},
		RootProbePaths:     []string{"/system/app", "/system/xbin", "/system/bin", "/data/local/xbin"},
	}
}

// LoadPolicy reads a YAML policy. Lists omitted from the file keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse trust policy: %w", err)
	}
	p := DefaultPolicy()
	if len(file.EmulatorIndicators) > 0 {
		p.EmulatorIndicators = lowerAll(file.EmulatorIndicators)
	}
	if len(file.GenericBrands) > 0 {
		p.GenericBrands = lowerAll(file.GenericBrands)
	}
	if len(file.CustomROMFragments) > 0 {
		p.CustomROMFragments = lowerAll(file.CustomROMFragments)
	}
	if len(file.ReleaseKeyMarkers) > 0 {
		p.ReleaseKeyMarkers = lowerAll(file.ReleaseKeyMarkers)
	}
	if len(file.RootProbePaths) > 0 {
		p.RootProbePaths = file.RootProbePaths
	}
	return p, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// containsAny returns the first needle found in any haystack.
func containsAny(needles []string, haystacks ...string) (string, bool) {
	for _, n := range needles {
		for _, h := range haystacks {
			if h != "" && strings.Contains(h, n) {
				return n, true
			}
		}
	}
	return "", false
}
