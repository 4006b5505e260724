package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Rule is one declarative policy rule. Condition is a CEL expression over the
// restricted evaluation context; it is data, not code under this engine's
// version control, so a malformed condition must never crash evaluation.
type Rule struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`   // gate, warning, audit
	Condition string `yaml:"condition"`
	Action    string `yaml:"action"` // block, warn, log
}

type ruleFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// LoadRules reads the ordered rule set for a policy version from
// <dir>/<version>.yaml. The file is either a bare list of rules or a
// mapping with a top-level rules key. An absent file means an empty rule
// set: no blocking.
func LoadRules(dir, version string) ([]Rule, error) {
	if dir == "" {
		dir = "policies"
	}
	path := filepath.Join(dir, version+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	var rules []Rule
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&rules); err != nil {
			return nil, fmt.Errorf("parse policy %s: %w", path, err)
		}
	default:
		var rf ruleFile
		if err := root.Decode(&rf); err != nil {
			return nil, fmt.Errorf("parse policy %s: %w", path, err)
		}
		rules = rf.Rules
	}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("policy %s: rule %d missing id", path, i)
		}
	}
	return rules, nil
}
