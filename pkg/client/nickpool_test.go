package client

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNickPoolOrder(t *testing.T) {
	p := NewNickPool([]string{"alpha", "beta"})
	got := []string{p.Next(), p.Next(), p.Next(), p.Next(), p.Next()}
	assert.Equal(t, []string{"alpha", "beta", "alpha-", "beta-", "alpha--"}, got)
}

func TestNickPoolDefault(t *testing.T) {
	p := NewNickPool([]string{"", ""})
	assert.Equal(t, "superbot", p.Next())
	assert.Equal(t, "superbot-", p.Next())
}

func TestNickPoolNeverRunsDry(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nicks := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 5).Draw(t, "nicks")
		calls := rapid.IntRange(len(nicks)+1, 4*len(nicks)+1).Draw(t, "calls")

		p := NewNickPool(nicks)
		var last string
		for i := 0; i < calls; i++ {
			last = p.Next()
			if last == "" {
				t.Fatalf("empty candidate after %d calls", i)
			}
			if i < len(nicks) && last != nicks[i] {
				t.Fatalf("call %d: got %q, want %q", i, last, nicks[i])
			}
		}
		if !strings.HasSuffix(last, NickSuffix) {
			t.Fatalf("expected suffix after exhausting the pool, got %q", last)
		}
	})
}
