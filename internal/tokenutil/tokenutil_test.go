package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"single word", "hello", 1},
		{"sentence", "The quick brown fox jumps over the lazy dog near the river bank", 17},
		{"code", `func main() { fmt.Println("hello") }`, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Fatalf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestFitLines(t *testing.T) {
	lines := []string{"alpha beta gamma", "delta epsilon zeta", "eta theta iota"}
	// Byte floor dominates: 4, 4 and 3 tokens.
	got := FitLines(lines, 8)
	if len(got) != 2 {
		t.Fatalf("FitLines kept %d lines, want 2", len(got))
	}
	if len(FitLines(lines, 0)) != 3 {
		t.Fatal("zero budget should keep all lines")
	}
	if len(FitLines(lines, 1)) != 0 {
		t.Fatal("tiny budget should keep none")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("word ", 200)
	out := Truncate(long, 20)
	if !strings.HasSuffix(out, "…") {
		t.Fatalf("expected ellipsis, got %q", out)
	}
	if EstimateTokens(strings.TrimSuffix(out, " …")) > 20 {
		t.Fatalf("truncated text exceeds budget: %d", EstimateTokens(out))
	}
	short := "fits easily"
	if Truncate(short, 20) != short {
		t.Fatal("short text should be unchanged")
	}
}
