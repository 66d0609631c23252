package application

import (
	"sort"
	"strings"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// TierResolver mapeia um ClientID para (tier, limite em RPM).
//
// É uma função pura: sem I/O e sem erro. Identificadores sem prefixo conhecido
// caem no tier padrão. A configuração é copiada na construção e nunca muda.
type TierResolver struct {
	cfg   domain.TierConfig
	rules []domain.TierRule // ordenadas do prefixo mais longo para o mais curto
	def   domain.TierRule
}

// NewTierResolver normaliza e valida a configuração.
func NewTierResolver(cfg domain.TierConfig) (TierResolver, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return TierResolver{}, err
	}

	rules := make([]domain.TierRule, len(cfg.Tiers))
	copy(rules, cfg.Tiers)
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})

	r := TierResolver{cfg: cfg, rules: rules}
	for _, rule := range cfg.Tiers {
		if rule.Name == cfg.Default {
			r.def = rule
		}
	}
	return r, nil
}

// DefaultTierResolver usa basic/pro/vip com 10/60/300 RPM.
func DefaultTierResolver() TierResolver {
	r, err := NewTierResolver(domain.DefaultTierConfig())
	if err != nil {
		panic(err) // configuração embutida, não falha
	}
	return r
}

// Resolve é total: nunca falha.
func (r TierResolver) Resolve(id domain.ClientID) (domain.Tier, int) {
	lower := strings.ToLower(string(id))
	for _, rule := range r.rules {
		if strings.HasPrefix(lower, rule.Prefix) {
			return rule.Name, rule.RPM
		}
	}
	return r.def.Name, r.def.RPM
}

// Config devolve uma cópia da configuração efetiva (para introspecção).
func (r TierResolver) Config() domain.TierConfig {
	return r.cfg.Clone()
}
