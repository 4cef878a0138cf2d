package billing

import "fmt"

// Config selects and configures the billing store backend.
type Config struct {
	Backend         string
	SupabaseURL     string
	SupabaseKey     string
	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// NewStore constructs the configured billing backend.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "spanner":
		if cfg.SpannerProject == "" || cfg.SpannerInstance == "" || cfg.SpannerDatabase == "" {
			return nil, fmt.Errorf("billing: spanner configuration incomplete")
		}
		return NewSpannerStore(cfg.SpannerProject, cfg.SpannerInstance, cfg.SpannerDatabase)

	case "supabase", "":
		return NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)

	default:
		return nil, fmt.Errorf("billing: unknown backend %q", cfg.Backend)
	}
}
