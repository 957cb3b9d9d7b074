package router

import (
	"fmt"
	"time"

	"github.com/vitacall/call-relay/internal/call"
)

// simulatedAnswer builds a synthetic SDP answer for the demo fallback. It is
// never fed to a real remote peer; it only lets a lone client's UI walk
// through the accepted/answered states. The session id is randomized so
// repeated demo calls do not look like SDP renegotiations of one session.
func simulatedAnswer(_ call.SessionDescription) call.SessionDescription {
	sid := time.Now().UnixNano()
	sdp := fmt.Sprintf("v=0\r\n"+
		"o=- %d 2 IN IP4 127.0.0.1\r\n"+
		"s=-\r\n"+
		"t=0 0\r\n"+
		"a=group:BUNDLE 0 1\r\n"+
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"+
		"c=IN IP4 0.0.0.0\r\n"+
		"a=mid:0\r\n"+
		"a=recvonly\r\n"+
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n"+
		"c=IN IP4 0.0.0.0\r\n"+
		"a=mid:1\r\n"+
		"a=recvonly\r\n", sid)
	return call.SessionDescription{Type: "answer", SDP: sdp}
}
