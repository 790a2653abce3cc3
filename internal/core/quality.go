package core

const (
	// MinQuality is the lowest encode quality a caller may request.
	MinQuality = 10
	// DefaultQuality is the admin ceiling used when none is configured.
	DefaultQuality = 80
)

// ResolveQuality returns the encode quality for a request. A requested value
// is clamped to [MinQuality, ceiling]; without one the ceiling itself is used.
// The ceiling is first forced into 1..100.
func ResolveQuality(requested *int, ceiling int) int {
	ceiling = min(max(ceiling, 1), 100)
	if requested == nil {
		return ceiling
	}
	return min(max(*requested, MinQuality), ceiling)
}
