package observability

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ClientMeta identifies the device behind a request. Browser sockets cannot
// set custom headers, so the device id may also arrive as a query parameter.
type ClientMeta struct {
	DeviceID  string
	RequestID string
	IP        string
	UserAgent string
}

// ClientMetaFromRequest extracts ClientMeta, generating a request id when the caller sent none.
func ClientMetaFromRequest(r *http.Request) ClientMeta {
	meta := ClientMeta{
		DeviceID:  r.Header.Get("X-Device-Id"),
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if meta.DeviceID == "" {
		meta.DeviceID = r.URL.Query().Get("device_id")
	}
	if meta.RequestID == "" {
		meta.RequestID = uuid.NewString()
	}
	return meta
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-Ip")); real != "" {
		return real
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
