package client

import (
	"github.com/aeolun/superbot/pkg/config"
)

// NickSuffix is appended to every candidate once the pool has been exhausted
const NickSuffix = "-"

// NickPool hands out nickname candidates in configured order. When every
// candidate has been tried the pool refills itself with a suffix appended,
// so Next never runs dry.
type NickPool struct {
	untried []string
	tried   []string
}

// NewNickPool creates a pool over candidates, falling back to the default
// nickname when none are given
func NewNickPool(candidates []string) *NickPool {
	var untried []string
	for _, c := range candidates {
		if c != "" {
			untried = append(untried, c)
		}
	}
	if len(untried) == 0 {
		untried = []string{config.DefaultNickname}
	}
	return &NickPool{untried: untried}
}

// Next returns the next candidate to claim
func (p *NickPool) Next() string {
	if len(p.untried) == 0 {
		for _, nick := range p.tried {
			p.untried = append(p.untried, nick+NickSuffix)
		}
		p.tried = p.tried[:0]
	}
	nick := p.untried[0]
	p.untried = p.untried[1:]
	p.tried = append(p.tried, nick)
	return nick
}
