// Package rpc implements the Channel Registry & RPC Dispatcher: a
// named-channel server over management connections, the URI transformer
// each call runs through, and the channels a remote workbench needs
// (logging, environment data, filesystem, terminal stub, extensions,
// debug broadcast).
package rpc

import (
	"fmt"
	"net/url"
)

// SchemeFile, SchemeVSCodeRemote and SchemeVSCodeLocal are the three URI
// schemes the transformer rewrites between.
const (
	SchemeFile         = "file"
	SchemeVSCodeRemote = "vscode-remote"
	SchemeVSCodeLocal  = "vscode-local"
)

// URITransformer rewrites URIs crossing the gateway boundary: incoming
// (client -> channel) and outgoing (channel -> client), scoped to one
// session's remote authority.
type URITransformer struct {
	Authority string
}

// NewURITransformer creates a transformer bound to authority (the
// session's remoteAuthority, e.g. "workbench-gateway+<token>").
func NewURITransformer(authority string) *URITransformer {
	return &URITransformer{Authority: authority}
}

// TransformIncoming rewrites a URI received from the client before a
// channel acts on it: file -> vscode-local (keep path), vscode-remote ->
// file (keep path), anything else is unchanged.
func (t *URITransformer) TransformIncoming(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("rpc: parsing incoming uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case SchemeFile:
		u.Scheme = SchemeVSCodeLocal
	case SchemeVSCodeRemote:
		u.Scheme = SchemeFile
		u.Host = ""
	default:
		return raw, nil
	}
	return u.String(), nil
}

// TransformOutgoing rewrites a URI a channel is about to hand back to the
// client: file -> vscode-remote with this transformer's authority,
// vscode-local -> file, anything else is unchanged.
func (t *URITransformer) TransformOutgoing(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("rpc: parsing outgoing uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case SchemeFile:
		u.Scheme = SchemeVSCodeRemote
		u.Host = t.Authority
	case SchemeVSCodeLocal:
		u.Scheme = SchemeFile
		u.Host = ""
	default:
		return raw, nil
	}
	return u.String(), nil
}
