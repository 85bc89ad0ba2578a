package wireproto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/internal/presence"
)

// RelayFrame is the wire shape of one TURN relay descriptor, spec.md §6.2:
//
//	{id, type: :turn, addr, username, password, expires_at}
type RelayFrame struct {
	ID        model.ID `json:"id"`
	Type      string   `json:"type"`
	Addr      string   `json:"addr"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	ExpiresAt int64    `json:"expires_at"`
}

// BuildRelayFrame derives the time-boxed TURN credential for relay as seen
// by clientPubKey, per spec.md §6.2:
//
//	username = "<expires_at_unix>:<sha256(client_pubkey)b64>"
//	password = sha256("<expires_at_unix>:<stamp_secret>:<username_salt>")b64
//
// where username_salt is the username string itself, since the username
// already binds the expiry and the client identity and no other salt is
// introduced anywhere else in this protocol.
func BuildRelayFrame(relay presence.RelaySnapshot, clientPubKey string, expiresAt time.Time) RelayFrame {
	expiresUnix := expiresAt.Unix()

	pubKeyHash := sha256.Sum256([]byte(clientPubKey))
	username := fmt.Sprintf("%d:%s", expiresUnix, base64.StdEncoding.EncodeToString(pubKeyHash[:]))

	passwordInput := fmt.Sprintf("%d:%s:%s", expiresUnix, relay.StampSecret, username)
	passwordHash := sha256.Sum256([]byte(passwordInput))
	password := base64.StdEncoding.EncodeToString(passwordHash[:])

	return RelayFrame{
		ID:        relay.ID,
		Type:      "turn",
		Addr:      relayAddr(relay),
		Username:  username,
		Password:  password,
		ExpiresAt: expiresUnix,
	}
}

func relayAddr(relay presence.RelaySnapshot) string {
	host := relay.IPv4
	if host == "" {
		host = relay.IPv6
	}
	if relay.Port == 0 {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(relay.Port))
}
