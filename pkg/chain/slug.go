package chain

// Chain slugs.
const (
	SlugEthereum = "ethereum"
	SlugOptimism = "optimism"
	SlugArbitrum = "arbitrum"
	SlugXDai     = "xdai"
	SlugPolygon  = "polygon"
)

var defaultSlugs = map[int64]string{
	1:      SlugEthereum,
	5:      SlugEthereum,
	42:     SlugEthereum,
	10:     SlugOptimism,
	69:     SlugOptimism,
	420:    SlugOptimism,
	42161:  SlugArbitrum,
	421611: SlugArbitrum,
	77:     SlugXDai,
	100:    SlugXDai,
	137:    SlugPolygon,
	80001:  SlugPolygon,
}

// SlugResolver maps a chain id to its slug.
type SlugResolver func(chainID int64) string

// NewSlugResolver returns a resolver that consults overrides before the
// built-in table. Unknown ids resolve to "".
func NewSlugResolver(overrides map[int64]string) SlugResolver {
	table := make(map[int64]string, len(defaultSlugs)+len(overrides))
	for id, slug := range defaultSlugs {
		table[id] = slug
	}
	for id, slug := range overrides {
		table[id] = slug
	}
	return func(chainID int64) string {
		return table[chainID]
	}
}

// SlugForID resolves with the built-in table only.
func SlugForID(chainID int64) string {
	return defaultSlugs[chainID]
}
