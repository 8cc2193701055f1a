package security

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadRules reads <dataDir>/rules.yaml. A missing file yields no rules.
func LoadRules(dataDir string) ([]Rule, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "rules.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules.yaml: %w", err)
	}

	var rc RulesConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse rules.yaml: %w", err)
	}
	for i := range rc.Rules {
		if rc.Rules[i].Mode == "" {
			rc.Rules[i].Mode = ModeApprove
		}
	}
	return rc.Rules, nil
}
