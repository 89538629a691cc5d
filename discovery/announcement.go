package discovery

import (
	"errors"
	"fmt"
	"strings"
)

// MaxDatagramSize bounds an encoded announcement.
const MaxDatagramSize = 1024

var ErrMalformedAnnouncement = errors.New("malformed announcement")

// Announcement advertises that URI serves Service for Domain.
type Announcement struct {
	Domain  string
	Service string
	URI     string
}

// Encode renders "<domain>:<service>\t<uri>".
func (a Announcement) Encode() []byte {
	return []byte(a.Domain + ":" + a.Service + "\t" + a.URI)
}

func (a Announcement) String() string {
	return a.Domain + ":" + a.Service + " " + a.URI
}

// DecodeAnnouncement parses a datagram produced by Encode. It needs exactly
// one TAB and a ':' in the part before it.
func DecodeAnnouncement(b []byte) (Announcement, error) {
	parts := strings.Split(string(b), "\t")
	if len(parts) != 2 {
		return Announcement{}, fmt.Errorf("%w: want one tab, got %d parts", ErrMalformedAnnouncement, len(parts))
	}
	domain, service, ok := strings.Cut(parts[0], ":")
	if !ok || domain == "" || service == "" || parts[1] == "" {
		return Announcement{}, fmt.Errorf("%w: %q", ErrMalformedAnnouncement, b)
	}
	return Announcement{Domain: domain, Service: service, URI: parts[1]}, nil
}
