// Package version implements the version header convention and the
// per-domain version vectors used to chain causally dependent reads.
//
// A header "Version-<domain>: <seq>" on a request means "do not answer before
// your copy of <domain> has applied <seq>". On a response it means "this
// answer reflects at least <seq>".
package version

import (
	"maps"
	"strconv"
	"strings"
)

// HeaderPrefix prefixes every version key in request and response metadata.
const HeaderPrefix = "Version-"

// None is the version of a domain nothing is known about.
const None int64 = -1

// Header returns the metadata key carrying the version of domain.
func Header(domain string) string {
	return HeaderPrefix + domain
}

// Vector maps domain ids to minimum sequence numbers.
type Vector map[string]int64

// FromMetadata collects every well-formed version header in md. Keys are
// matched case-insensitively on the prefix; malformed values are skipped.
func FromMetadata(md map[string]string) Vector {
	v := Vector{}
	for key, raw := range md {
		if len(key) <= len(HeaderPrefix) || !strings.EqualFold(key[:len(HeaderPrefix)], HeaderPrefix) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			continue
		}
		v.Observe(key[len(HeaderPrefix):], seq)
	}
	return v
}

// Get returns the version recorded for domain, or None.
func (v Vector) Get(domain string) int64 {
	if seq, ok := v[domain]; ok {
		return seq
	}
	return None
}

// Observe raises the entry for domain to seq if seq is newer.
func (v Vector) Observe(domain string, seq int64) {
	if cur, ok := v[domain]; !ok || seq > cur {
		v[domain] = seq
	}
}

// Merge folds other into v entry by entry, keeping the maximum, and returns v.
func (v Vector) Merge(other Vector) Vector {
	for domain, seq := range other {
		v.Observe(domain, seq)
	}
	return v
}

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	maps.Copy(out, v)
	return out
}

// Only returns a vector holding just the entry for domain, if any.
func (v Vector) Only(domain string) Vector {
	out := Vector{}
	if seq, ok := v[domain]; ok {
		out[domain] = seq
	}
	return out
}

// Metadata renders v as version headers.
func (v Vector) Metadata() map[string]string {
	md := make(map[string]string, len(v))
	for domain, seq := range v {
		md[Header(domain)] = strconv.FormatInt(seq, 10)
	}
	return md
}
