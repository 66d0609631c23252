package infra

import (
	"fmt"
	"os"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"gopkg.in/yaml.v3"
)

// LoadTierFile lê a configuração de tiers de um arquivo YAML:
//
//	default: basic
//	tiers:
//	  - name: basic
//	    prefix: basic-
//	    rpm: 10
//	  - name: partner
//	    rpm: 1200
//
// O resultado ainda não é validado; isso acontece em application.NewTierResolver.
func LoadTierFile(path string) (domain.TierConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.TierConfig{}, fmt.Errorf("read tier file: %w", err)
	}

	var cfg domain.TierConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return domain.TierConfig{}, fmt.Errorf("parse tier file %s: %w", path, err)
	}
	if len(cfg.Tiers) == 0 {
		return domain.TierConfig{}, fmt.Errorf("tier file %s: no tiers defined", path)
	}
	return cfg, nil
}
