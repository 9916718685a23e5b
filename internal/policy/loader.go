package policy

import (
	"fmt"
	"os"

	"github.com/davidahmann/truemoneyx/internal/crypto"
	"gopkg.in/yaml.v3"
)

type LoadedPolicy struct {
	Policy Policy
	Hash   string
	Bytes  []byte
}

// LoadPolicy loads a YAML risk policy and computes its hash from raw bytes.
func LoadPolicy(path string) (LoadedPolicy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedPolicy{}, err
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (LoadedPolicy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return LoadedPolicy{}, err
	}
	if p.Defaults.Status == "" {
		return LoadedPolicy{}, fmt.Errorf("policy %q: defaults.status is required", p.PolicyID)
	}
	for _, rule := range p.Rules {
		if rule.ID == "" {
			return LoadedPolicy{}, fmt.Errorf("policy %q: rule id is required", p.PolicyID)
		}
	}

	return LoadedPolicy{
		Policy: p,
		Hash:   crypto.DigestWithPrefix(data),
		Bytes:  data,
	}, nil
}
