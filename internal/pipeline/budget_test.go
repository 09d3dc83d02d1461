package pipeline

import "testing"

func TestTokenBudgetMaxRows(t *testing.T) {
	tests := []struct {
		name      string
		budget    TokenBudget
		wantRows  int
		wantClamp bool
	}{
		{
			name:     "standard 8k window",
			budget:   TokenBudget{ContextWindow: 8192, OutputReserve: 0.30, BasePrompt: 256, PerRow: 45},
			wantRows: 121, // floor((8192*0.7 - 256) / 45)
		},
		{
			name:      "tiny window clamps to floor",
			budget:    TokenBudget{ContextWindow: 512, OutputReserve: 0.30, BasePrompt: 256, PerRow: 45},
			wantRows:  MinRows,
			wantClamp: true,
		},
		{
			name:     "zero per-row falls back to default estimate",
			budget:   TokenBudget{ContextWindow: 8192, OutputReserve: 0.30, BasePrompt: 256},
			wantRows: 121,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, clamped := tt.budget.MaxRows()
			if rows != tt.wantRows {
				t.Errorf("MaxRows() rows = %d, want %d", rows, tt.wantRows)
			}
			if clamped != tt.wantClamp {
				t.Errorf("MaxRows() clamped = %v, want %v", clamped, tt.wantClamp)
			}
		})
	}
}

func TestTokenBudgetHeadroom(t *testing.T) {
	b := TokenBudget{ContextWindow: 1000, OutputReserve: 0.30}

	if got := b.UsableTokens(); got != 700 {
		t.Fatalf("UsableTokens() = %d, want 700", got)
	}
	if got := b.Headroom(350); got != 50 {
		t.Errorf("Headroom(350) = %v, want 50", got)
	}
	if got := b.Headroom(900); got != 0 {
		t.Errorf("Headroom over budget = %v, want floor at 0", got)
	}
}
