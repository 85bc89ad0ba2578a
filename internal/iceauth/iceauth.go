// Package iceauth derives the per-flow cryptographic material from
// spec.md §4.8 step 3: a keyed preshared key and the four ICE credential
// slices exchanged between a client and the serving node it was matched to.
// Every function here is a pure, deterministic hash of its inputs.
package iceauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

// base32Lower is RFC 4648 base32 without padding, lowercased, matching the
// wire format clients expect for ICE username/password fragments.
var base32Lower = base32.StdEncoding.WithPadding(base32.NoPadding)

// PresharedKey derives the keyed hash clients and serving nodes use to
// authenticate their direct/relayed tunnel, per spec.md §4.8 step 3.
// Deterministic in (clientID, clientPubKey, nodeID): repeated calls for the
// same triple yield an identical key (testable property 9).
func PresharedKey(clientID, clientPubKey, nodeID string) string {
	mac := hmac.New(sha256.New, []byte(clientPubKey))
	mac.Write([]byte(clientID))
	mac.Write([]byte{':'})
	mac.Write([]byte(nodeID))
	return strings.ToLower(base32Lower.EncodeToString(mac.Sum(nil)))
}

// ICECredentials is the four-way split described in spec.md §4.8 step 3.
type ICECredentials struct {
	ClientUser string
	ClientPass string
	NodeUser   string
	NodePass   string
}

// DeriveICECredentials hashes sha256(client_id:client_pubkey:node_id:node_pubkey),
// base32-lowercases it, and slices the 52-character digest into four
// fragments: [0:4), [4:26), [26:30), [30:52).
func DeriveICECredentials(clientID, clientPubKey, nodeID, nodePubKey string) ICECredentials {
	h := sha256.Sum256([]byte(clientID + ":" + clientPubKey + ":" + nodeID + ":" + nodePubKey))
	encoded := strings.ToLower(base32Lower.EncodeToString(h[:]))

	// sha256 is 32 bytes -> 52 base32 characters (ceil(32*8/5)); pad
	// defensively in case a future hash swap shortens the digest.
	for len(encoded) < 52 {
		encoded += "a"
	}

	return ICECredentials{
		ClientUser: encoded[0:4],
		ClientPass: encoded[4:26],
		NodeUser:   encoded[26:30],
		NodePass:   encoded[30:52],
	}
}
