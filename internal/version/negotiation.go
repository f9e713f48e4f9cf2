package version

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// CMPPVersion is the Version octet of CMPP_CONNECT: major in the high
// nibble, minor in the low one.
type CMPPVersion uint8

const (
	// CMPPVersion20 represents CMPP 2.0
	CMPPVersion20 = CMPPVersion(cmpp.Version20)
	// CMPPVersion30 represents CMPP 3.0
	CMPPVersion30 = CMPPVersion(cmpp.Version30)
)

// String returns the dotted form, e.g. "2.0"
func (v CMPPVersion) String() string {
	return fmt.Sprintf("%d.%d", uint8(v)>>4, uint8(v)&0x0f)
}

// IsSupported reports whether this server speaks v
func (v CMPPVersion) IsSupported() bool {
	return v == CMPPVersion20
}

// Negotiator implements cmpp.VersionNegotiator. Requests up to the highest
// version are accepted and answered with it; anything newer is rejected
// with status 4.
type Negotiator struct {
	highest CMPPVersion
	logger  cmpp.Logger
}

// NewNegotiator creates a negotiator capped at highest
func NewNegotiator(highest CMPPVersion, logger cmpp.Logger) *Negotiator {
	return &Negotiator{highest: highest, logger: logger}
}

// Negotiate implements cmpp.VersionNegotiator
func (n *Negotiator) Negotiate(requested uint8) (uint8, bool) {
	ok := CMPPVersion(requested) <= n.highest
	if !ok && n.logger != nil {
		n.logger.Warn("Version too high",
			"requested", CMPPVersion(requested).String(),
			"supported", n.highest.String())
	}
	return uint8(n.highest), ok
}

// Highest returns the version echoed in CMPP_CONNECT_RESP
func (n *Negotiator) Highest() CMPPVersion {
	return n.highest
}

// NegotiateVersion picks the version a client should use against a server
// advertising server.
func NegotiateVersion(client, server CMPPVersion) (CMPPVersion, error) {
	if client <= server {
		return client, nil
	}
	if server.IsSupported() {
		return server, nil
	}
	return 0, errors.Errorf("no compatible CMPP version (client: %s, server: %s)", client, server)
}
