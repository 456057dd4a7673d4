package anthropic

// BuildCachedSystemBlocks constructs a single system block with an ephemeral
// cache breakpoint. The analyst instructions are identical across sessions,
// so every call after the first within ttl reads them from cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
