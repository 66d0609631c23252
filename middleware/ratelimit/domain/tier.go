package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Tier é uma classe de cliente com um limite fixo em RPM.
type Tier string

const (
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
	TierVIP   Tier = "vip"
)

const (
	DefaultBasicRPM = 10
	DefaultProRPM   = 60
	DefaultVIPRPM   = 300
)

// TierRule associa um prefixo de ClientID a um tier e ao seu limite.
// Prefixo vazio significa "<nome>-".
type TierRule struct {
	Name   Tier   `yaml:"name" json:"name"`
	Prefix string `yaml:"prefix" json:"prefix"`
	RPM    int    `yaml:"rpm" json:"rpm"`
}

// TierConfig é a configuração de tiers do processo.
//
// É carregada uma vez no boot e não muda depois (sem hot reload).
// Default é o tier usado para identificadores sem prefixo conhecido; se vazio,
// vale o tier de menor RPM.
type TierConfig struct {
	Tiers   []TierRule `yaml:"tiers" json:"tiers"`
	Default Tier       `yaml:"default" json:"default"`
}

// DefaultTierConfig retorna basic/pro/vip com 10/60/300 RPM.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		Tiers: []TierRule{
			{Name: TierBasic, Prefix: "basic-", RPM: DefaultBasicRPM},
			{Name: TierPro, Prefix: "pro-", RPM: DefaultProRPM},
			{Name: TierVIP, Prefix: "vip-", RPM: DefaultVIPRPM},
		},
		Default: TierBasic,
	}
}

// Clone devolve uma cópia independente (o slice não é compartilhado).
func (c TierConfig) Clone() TierConfig {
	out := TierConfig{Default: c.Default, Tiers: make([]TierRule, len(c.Tiers))}
	copy(out.Tiers, c.Tiers)
	return out
}

// Limit retorna o RPM de um tier.
func (c TierConfig) Limit(t Tier) (int, bool) {
	for _, r := range c.Tiers {
		if r.Name == t {
			return r.RPM, true
		}
	}
	return 0, false
}

// WithLimit retorna uma cópia com o RPM do tier trocado. Se o tier não existir,
// ele é adicionado com o prefixo padrão.
func (c TierConfig) WithLimit(t Tier, rpm int) TierConfig {
	out := c.Clone()
	for i := range out.Tiers {
		if out.Tiers[i].Name == t {
			out.Tiers[i].RPM = rpm
			return out
		}
	}
	out.Tiers = append(out.Tiers, TierRule{Name: t, RPM: rpm})
	return out
}

// Normalize preenche prefixos vazios e o tier padrão.
func (c TierConfig) Normalize() TierConfig {
	out := c.Clone()
	lowest := -1
	for i := range out.Tiers {
		out.Tiers[i].Name = Tier(strings.ToLower(strings.TrimSpace(string(out.Tiers[i].Name))))
		if strings.TrimSpace(out.Tiers[i].Prefix) == "" {
			out.Tiers[i].Prefix = string(out.Tiers[i].Name) + "-"
		}
		out.Tiers[i].Prefix = strings.ToLower(out.Tiers[i].Prefix)
		if lowest < 0 || out.Tiers[i].RPM < out.Tiers[lowest].RPM {
			lowest = i
		}
	}
	out.Default = Tier(strings.ToLower(strings.TrimSpace(string(out.Default))))
	if out.Default == "" && lowest >= 0 {
		out.Default = out.Tiers[lowest].Name
	}
	return out
}

// Validate checa a configuração já normalizada.
func (c TierConfig) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New("tier config: at least one tier is required")
	}
	seen := make(map[Tier]struct{}, len(c.Tiers))
	for _, r := range c.Tiers {
		if r.Name == "" {
			return errors.New("tier config: tier name is required")
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("tier config: duplicate tier %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.RPM < 0 {
			return fmt.Errorf("tier config: tier %q rpm must be >= 0, got %d", r.Name, r.RPM)
		}
	}
	if _, ok := seen[c.Default]; !ok {
		return fmt.Errorf("tier config: default tier %q is not configured", c.Default)
	}
	return nil
}
