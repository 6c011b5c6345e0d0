package hubclient

import (
	"github.com/JakeFAU/botfleet-console/internal/session"
)

// Dialer builds a fresh Conn per session connect.
type Dialer struct {
	URL     string
	Options Options
}

// NewDialer returns a Dialer for the hub at hubURL.
func NewDialer(hubURL string, opts Options) *Dialer {
	return &Dialer{URL: hubURL, Options: opts}
}

// Dial implements session.Dialer.
func (d *Dialer) Dial() session.HubConn {
	return New(d.URL, d.Options)
}

var _ session.HubConn = (*Conn)(nil)
