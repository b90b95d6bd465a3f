package metrics

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"
)

// Graphite pushes samples using the carbon plaintext protocol:
//
//	<prefix>.<key> <value> <unix-seconds>\n
//
// One connection per sample, mirroring how carbon relays are usually fed by cron-style tools.
type Graphite struct {
	Addr    string
	Prefix  string
	Timeout time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewGraphite(addr, prefix string, timeout time.Duration) *Graphite {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := &net.Dialer{}
	return &Graphite{Addr: addr, Prefix: strings.Trim(prefix, "."), Timeout: timeout, dial: d.DialContext}
}

// Line renders the plaintext record for s.
func (g *Graphite) Line(s Sample) string {
	var b strings.Builder
	b.WriteString(g.Prefix)
	b.WriteByte('.')
	b.WriteString(s.Key)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(s.Value, 'f', -1, 64))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(s.At.Unix(), 10))
	b.WriteByte('\n')
	return b.String()
}

func (g *Graphite) Emit(ctx context.Context, s Sample) error {
	if g.Prefix == "" {
		return nil
	}
	if g.Addr == "" {
		return errors.New("graphite address not set")
	}
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	conn, err := g.dial(ctx, "tcp", g.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	_, err = conn.Write([]byte(g.Line(s)))
	return err
}
