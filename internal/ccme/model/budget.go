package model

// FractionEpsilon is the tolerance used for every fractional threshold
// comparison in the engine (SPEC_FULL §9: thresholds are fractions in
// [0,1], compared with ε = 1e-4, never as 0-100 percentages).
const FractionEpsilon = 1e-4

// GreaterOrEqualWithEpsilon reports whether a >= b, tolerating
// floating-point drift up to FractionEpsilon.
func GreaterOrEqualWithEpsilon(a, b float64) bool {
	return a-b >= -FractionEpsilon
}

// LessOrEqualWithEpsilon reports whether a <= b, tolerating
// floating-point drift up to FractionEpsilon.
func LessOrEqualWithEpsilon(a, b float64) bool {
	return a-b <= FractionEpsilon
}

// ContextBudget is computed per-turn. Invariants: ReservedTokens >= 0,
// CurrentTokens >= 0, UsableTokens >= 0, CurrentTokens <= MaxTokens.
type ContextBudget struct {
	MaxTokens      int
	ReservedTokens int
	UsableTokens   int
	CurrentTokens  int
	FreeTokens     int
}

// NewContextBudget computes a budget from its inputs. UsableTokens is
// clamped at 0 rather than going negative when reservations exceed the
// window; the other inputs are stored as given, and FreeTokens is
// negative when currentTokens exceeds UsableTokens.
func NewContextBudget(maxTokens, reservedTokens, currentTokens int) ContextBudget {
	usable := maxTokens - reservedTokens
	if usable < 0 {
		usable = 0
	}
	free := usable - currentTokens
	return ContextBudget{
		MaxTokens:      maxTokens,
		ReservedTokens: reservedTokens,
		UsableTokens:   usable,
		CurrentTokens:  currentTokens,
		FreeTokens:     free,
	}
}

// UsageFraction returns CurrentTokens / MaxTokens as a fraction in
// [0,1], or 0 if MaxTokens is 0.
func (b ContextBudget) UsageFraction() float64 {
	if b.MaxTokens <= 0 {
		return 0
	}
	return float64(b.CurrentTokens) / float64(b.MaxTokens)
}

// ContextUsage is the presentation-facing usage summary returned by
// GetUsage(); Percentage is derived for display only, never compared
// against internally.
type ContextUsage struct {
	CurrentTokens int
	MaxTokens     int
	Percentage    float64
	PerTier       map[Tier]int
}
