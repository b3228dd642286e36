package pool

import (
	"context"

	"github.com/pgdogdev/pgdog/internal/backend"
)

// SetDialerForTest overrides the dial function so other packages' tests can
// back a Pool with an in-memory connection instead of a real upstream.
func (p *Pool) SetDialerForTest(d func() (*backend.Server, error)) {
	p.dialer = func(ctx context.Context) (*backend.Server, error) {
		return d()
	}
}
