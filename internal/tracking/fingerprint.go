// Package tracking records newsletter opens and link clicks with
// fingerprint-based deduplication. No recipient identity is stored; repeat
// events from the same client are recognised by an opaque digest of coarse
// request signals.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Signals are the request attributes a fingerprint is derived from.
type Signals struct {
	IP             string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

// SignalsFromRequest reads the signals from r. r.RemoteAddr is expected to
// already carry the client address (chi's RealIP middleware).
func SignalsFromRequest(r *http.Request) Signals {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return Signals{
		IP:             ip,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// CoarsenIP truncates IPv4 to its /24 and IPv6 to its /48 network. Unparseable
// input yields "".
func CoarsenIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.String()
}

// Fingerprint returns a stable hex digest of s keyed by key. The same client
// yields the same value across requests; the signals cannot be recovered.
func Fingerprint(s Signals, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	for _, part := range []string{
		CoarsenIP(s.IP),
		strings.TrimSpace(s.UserAgent),
		strings.ToLower(strings.TrimSpace(s.AcceptLanguage)),
		strings.ToLower(strings.TrimSpace(s.AcceptEncoding)),
	} {
		mac.Write([]byte(part))
		mac.Write([]byte{0x1f})
	}
	return hex.EncodeToString(mac.Sum(nil))
}
