// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the room and notification sockets.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Auth token missing, invalid or expired.
	InvalidUserIDError    = 3002 // Token subject has no profile.
	InvalidRoomIDError    = 3003 // Target room does not exist or the id is malformed.
	RoomClosedError       = 3004 // The room was deleted while the socket was open.
	NotAMemberError       = 3005 // Caller holds no seat in the room.
)
