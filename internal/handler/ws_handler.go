/*
Package handler provides the HTTP handlers and routing setup for the relay.

This file contains the WebSocket upgrade handler: rate limiting, connection
upgrade, connection ID assignment, and client lifecycle startup. All chat
semantics live behind the gateway; the handler only bridges the transport.
*/
package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"relaychat/internal/app/chat"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/limiter"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/randx"
	"relaychat/internal/pkg/resp"
)

// HandleWebSocket creates the HandlerFunc that upgrades a connection and
// attaches it to the session gateway.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := limiter.ClientIP(r)

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("WebSocket connection rejected: rate limit exceeded.", "ip", ip)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		connID := randx.ConnectionID()
		client := chat.NewClient(connID, conn, deps.Gateway)

		deps.Gateway.Connect(connID, client)

		logx.Info("WebSocket connection established", "conn_id", connID)

		go client.WritePump()
		client.ReadPump()
	}
}
