package handlers

import (
	"strconv"
	"time"

	"github.com/aeolun/superbot/pkg/client"
	"github.com/aeolun/superbot/pkg/protocol"
)

const defaultKeepaliveInterval = 30 * time.Second

// Keepalive probes the server when the connection has gone quiet, so a
// dead link is noticed by the read loop
type Keepalive struct {
	hc *client.HandlerContext
}

func NewKeepalive(hc *client.HandlerContext) (client.Handler, error) {
	hc.SetDefault("interval", strconv.Itoa(int(defaultKeepaliveInterval/time.Second)))
	return &Keepalive{hc: hc}, nil
}

func (k *Keepalive) Init(state any) error {
	k.schedule()
	return nil
}

func (k *Keepalive) interval() time.Duration {
	v, _ := k.hc.Var("keepalive,interval", "")
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultKeepaliveInterval
	}
	return time.Duration(n) * time.Second
}

func (k *Keepalive) schedule() {
	k.hc.Timers().Schedule(k.tick, k.interval())
}

func (k *Keepalive) tick() {
	if time.Since(k.hc.LastRead()) >= k.interval() {
		k.hc.Send(protocol.Ison("A"))
	}
	k.schedule()
}
