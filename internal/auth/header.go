package auth

import (
	"encoding/base64"
	"strings"
	"sync"
)

// Header prefixes historically in use. Servers accept one or the other
// inconsistently; authorization events are Nostr-shaped, so Nostr is
// the natural first attempt.
const (
	PrefixNostr   = "Nostr"
	PrefixBlossom = "Blossom"
)

// BuildHeader encodes a signed event as a transport authorization
// header value. The base64 payload is computed over the trimmed UTF-8
// bytes of the JSON; some server implementations reject untrimmed
// input.
func BuildHeader(prefix, signedEventJSON string) string {
	trimmed := strings.TrimSpace(signedEventJSON)

	return prefix + " " + base64.StdEncoding.EncodeToString([]byte(trimmed))
}

// AlternatePrefix returns the other historically-used prefix.
func AlternatePrefix(prefix string) string {
	if prefix == PrefixNostr {
		return PrefixBlossom
	}

	return PrefixNostr
}

// Negotiator remembers, per server, which header prefix was accepted
// within this session so subsequent requests skip renegotiation. The
// memory is deliberately not persisted: a server upgrade between
// sessions may change its answer.
type Negotiator struct {
	mu       sync.RWMutex
	accepted map[string]string
}

// NewNegotiator creates an empty negotiator.
func NewNegotiator() *Negotiator {
	return &Negotiator{accepted: make(map[string]string)}
}

// PrefixFor returns the prefix to attempt first for a server: the
// remembered one if the server already accepted a prefix this session,
// otherwise Nostr.
func (n *Negotiator) PrefixFor(server string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if p, ok := n.accepted[server]; ok {
		return p
	}

	return PrefixNostr
}

// Remember records that a server accepted the given prefix.
func (n *Negotiator) Remember(server, prefix string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.accepted[server] = prefix
}

// Negotiated reports whether a prefix has already been accepted by the
// server this session. When true, a 401 is a real rejection rather than
// a prefix mismatch, and the fallback should not run.
func (n *Negotiator) Negotiated(server string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	_, ok := n.accepted[server]

	return ok
}
