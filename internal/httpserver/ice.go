package httpserver

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// withTURNCredentials copies the ICE server list and sets the given ephemeral
// login on every entry carrying a turn: or turns: URL. The input slice is
// never mutated; the config holds the credential-free template.
func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	if len(servers) == 0 {
		// Keep empty non-nil so the JSON response encodes as [].
		return servers
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
