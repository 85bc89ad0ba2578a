package main

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// clientUpgrader and nodeUpgrader allow cross-origin handshakes: the client
// fleet is mobile/desktop apps and the serving-node fleet is our own
// infrastructure, neither of which sends a browser-meaningful Origin header.
var (
	clientUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	nodeUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
)
