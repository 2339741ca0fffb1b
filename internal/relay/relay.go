// Package relay defines the relay collaborator boundary and the file
// metadata events that cross it. Relays are external: this package
// never opens a socket, it only builds, parses, and merges events.
package relay

import "context"

//go:generate mockgen -source=relay.go -destination=mock_relay.go -package=relay

// Relay is the external publish/subscribe capability. Publish reports
// whether at least one relay accepted the event; Query returns raw
// event JSON documents matching the filter.
type Relay interface {
	Publish(ctx context.Context, signedEventJSON string) (bool, error)
	Query(ctx context.Context, filterJSON string) ([]string, error)
}
