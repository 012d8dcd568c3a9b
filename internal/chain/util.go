package chain

import "strings"

// DefaultWSEndpoint maps an RPC URL onto the pubsub URL served at the same path.
func DefaultWSEndpoint(rpc string) string {
	rpc = strings.TrimRight(strings.TrimSpace(rpc), "/")
	switch {
	case strings.HasPrefix(rpc, "ws://"), strings.HasPrefix(rpc, "wss://"):
		return rpc
	case strings.HasPrefix(rpc, "https://"):
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	case strings.HasPrefix(rpc, "http://"):
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	}
	return ""
}

// WSEndpoints returns the configured pubsub endpoints, falling back to ones
// derived from the RPC endpoints.
func WSEndpoints(ws, rpc []string) []string {
	if list := sanitizeEndpoints(ws); len(list) > 0 {
		return list
	}
	out := make([]string, 0, len(rpc))
	for _, ep := range sanitizeEndpoints(rpc) {
		if derived := DefaultWSEndpoint(ep); derived != "" {
			out = append(out, derived)
		}
	}
	return out
}
