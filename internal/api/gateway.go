// Package api exposes the HTTP surface of the gateway: a single WebSocket upgrade endpoint.
package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/discend-chat/discend-gateway/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint.
type GatewayHandler struct {
	registry *gateway.Registry
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(registry *gateway.Registry) *GatewayHandler {
	return &GatewayHandler{registry: registry}
}

// Upgrade handles GET /. The handshake query parameters are read before the upgrade and handed to the registry,
// which validates them against the protocol and answers with close code 4001 when they are bad.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	version := c.Query("v")
	encoding := c.Query("encoding")
	compress := c.Query("compress")

	return websocket.New(func(conn *websocket.Conn) {
		h.registry.ServeWebSocket(conn.Conn, version, encoding, compress)
	})(c)
}
