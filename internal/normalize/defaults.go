package normalize

import (
	"go.uber.org/zap"
)

// Site configures a per-domain strategy.
type Site struct {
	// Strategy is "sephora", "json" or "html". Empty means "json".
	Strategy  string            `mapstructure:"strategy"`
	Selectors map[string]string `mapstructure:"selectors"`
	Currency  string            `mapstructure:"currency"`
}

// NewDefaultRegistry registers the built-in sephora.com strategy, the
// configured sites, and a JSON/JSON-LD default.
func NewDefaultRegistry(sites map[string]Site, logger *zap.Logger) *Registry {
	reg := NewRegistry(logger)
	reg.Register("sephora.com", Auto{JSON: Func(Sephora), Page: HTML{}})
	for domain, site := range sites {
		page := HTML{Selectors: site.Selectors, Currency: site.Currency}
		switch site.Strategy {
		case "sephora":
			reg.Register(domain, Auto{JSON: Func(Sephora), Page: page})
		case "html":
			reg.Register(domain, Auto{Page: page})
		default:
			reg.Register(domain, Auto{JSON: Func(GenericJSON), Page: page})
		}
	}
	reg.SetDefault(Auto{JSON: Func(GenericJSON), Page: HTML{}})
	return reg
}
