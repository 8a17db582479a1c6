// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the lobby socket.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   websocket.StatusCode = 3000 // Client connected without the lobby subprotocol.
	InvalidAuthTokenError websocket.StatusCode = 3001 // Session token missing, expired or issued for another player or room.
	InvalidUserIDError    websocket.StatusCode = 3002 // uid is missing or not on the lobby roster.
	InvalidLobbyIDError   websocket.StatusCode = 3003 // Room code does not exist or the lobby was destroyed.
)
