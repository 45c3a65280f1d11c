package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/readiness-proxy/internal/log"
)

// requireNonPublicNetwork answers 403 unless the socket peer is loopback,
// private or link-local. Forwarding headers are ignored, and a request that
// carries X-Forwarded-For was relayed by a proxy so it is refused too.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") != "" || !nonPublicPeer(r.RemoteAddr) {
			L.Warn(r.Context(), "ops request rejected",
				"network.peer.address", r.RemoteAddr,
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func nonPublicPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
