package pipeline

// TokenBudget computes the hard cap on tool index rows the selector may
// put in front of the LLM for a given context window.
type TokenBudget struct {
	ContextWindow int
	OutputReserve float64
	BasePrompt    int
	PerRow        int
}

// MinRows is the floor: a prompt with fewer than ten candidate rows is
// not worth sending, so the cap clamps up and the clamp is recorded.
const MinRows = 10

// MaxRows returns the row cap and whether the floor clamp applied.
func (b TokenBudget) MaxRows() (int, bool) {
	perRow := b.PerRow
	if perRow <= 0 {
		perRow = 45
	}
	usable := float64(b.ContextWindow)*(1-b.OutputReserve) - float64(b.BasePrompt)
	rows := int(usable / float64(perRow))
	if rows < MinRows {
		return MinRows, true
	}
	return rows, false
}

// UsableTokens is the input-side token allowance.
func (b TokenBudget) UsableTokens() int {
	return int(float64(b.ContextWindow) * (1 - b.OutputReserve))
}

// Headroom computes 1 - used/usable as a percentage, floored at zero.
func (b TokenBudget) Headroom(usedTokens int) float64 {
	usable := b.UsableTokens()
	if usable <= 0 {
		return 0
	}
	h := (1 - float64(usedTokens)/float64(usable)) * 100
	if h < 0 {
		return 0
	}
	return h
}
