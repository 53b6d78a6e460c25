package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TargetSpec is one entry of the optional YAML seed file. Entries are
// imported into the database at startup; the database stays the source of
// truth afterwards.
type TargetSpec struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	ServicePort int    `yaml:"service_port"`
	Disabled    bool   `yaml:"disabled"`

	// PasswordEnv names an environment variable holding the initial password.
	// Plain passwords are not accepted in the file.
	PasswordEnv string `yaml:"password_env"`
}

type targetsFile struct {
	Targets []TargetSpec `yaml:"targets"`
}

// LoadTargets parses the YAML seed file at path and applies defaults.
func LoadTargets(path string) ([]TargetSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets decodes a targets document. Port defaults to 22 and
// ServicePort to Cfg.ServicePort.
func ParseTargets(data []byte) ([]TargetSpec, error) {
	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}

	seen := make(map[string]bool, len(f.Targets))
	for i := range f.Targets {
		t := &f.Targets[i]
		if t.Name == "" {
			return nil, fmt.Errorf("target %d: name is required", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("target %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
		if t.Host == "" {
			return nil, fmt.Errorf("target %q: host is required", t.Name)
		}
		if t.Username == "" {
			return nil, fmt.Errorf("target %q: username is required", t.Name)
		}
		if t.Port == 0 {
			t.Port = 22
		}
		if t.Port < 0 || t.Port > 65535 {
			return nil, fmt.Errorf("target %q: invalid port %d", t.Name, t.Port)
		}
		if t.ServicePort == 0 {
			t.ServicePort = Cfg.ServicePort
		}
	}
	return f.Targets, nil
}
