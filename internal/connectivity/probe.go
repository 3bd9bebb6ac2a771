package connectivity

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"
)

// Probe reports online while a TCP connection to Address succeeds.
type Probe struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Logger   *log.Logger

	// Dial overrides the dialer, for tests.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Check dials once and reports whether the address answered.
func (p *Probe) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dial := p.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Run implements Source. It checks immediately and then every Interval.
func (p *Probe) Run(ctx context.Context, sig *Signal) error {
	if p.Address == "" {
		return fmt.Errorf("probe address cannot be empty")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		online := p.Check(ctx)
		if sig.Set(online) && p.Logger != nil {
			p.Logger.Printf("Probe %s: online=%v", p.Address, online)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
