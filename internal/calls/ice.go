package calls

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"relay-service/internal/protocol"
)

// ICEProvider builds the ICE server list for one recipient. TURN credentials
// follow the TURN REST scheme: username "expiry:user", password
// base64(HMAC-SHA1(secret, username)).
type ICEProvider struct {
	stun   []string
	turn   []string
	secret string
	ttl    time.Duration
	now    func() time.Time
}

func NewICEProvider(stun, turn []string, secret string, ttl time.Duration) *ICEProvider {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ICEProvider{stun: stun, turn: turn, secret: secret, ttl: ttl, now: time.Now}
}

// Servers returns fresh credentials for userID. TURN is omitted without a secret.
func (p *ICEProvider) Servers(userID int) []protocol.IceServer {
	servers := make([]protocol.IceServer, 0, 2)
	if len(p.stun) > 0 {
		servers = append(servers, protocol.IceServer{URLs: p.stun})
	}
	if len(p.turn) > 0 && p.secret != "" {
		username := fmt.Sprintf("%d:%d", p.now().Add(p.ttl).Unix(), userID)
		mac := hmac.New(sha1.New, []byte(p.secret))
		mac.Write([]byte(username))
		servers = append(servers, protocol.IceServer{
			URLs:       p.turn,
			Username:   username,
			Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		})
	}
	return servers
}
