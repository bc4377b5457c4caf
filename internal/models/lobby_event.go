package models

import "github.com/google/uuid"

// LobbyEventType names what happened to a lobby.
type LobbyEventType string

const (
	EventCreated       LobbyEventType = "created"
	EventPlayerJoined  LobbyEventType = "player_joined"
	EventPlayerLeft    LobbyEventType = "player_left"
	EventLobbyUpdated  LobbyEventType = "lobby_updated"
	EventPlayerUpdated LobbyEventType = "player_updated"
	EventHostChanged   LobbyEventType = "host_changed"
	EventHeartbeat     LobbyEventType = "heartbeat"
	EventDeleted       LobbyEventType = "deleted"
	EventExpired       LobbyEventType = "expired"
)

// Terminal reports whether the lobby no longer exists after this event.
func (t LobbyEventType) Terminal() bool {
	return t == EventDeleted || t == EventExpired
}

// LobbyEvent records one successful mutation of a lobby.
type LobbyEvent struct {
	LobbyID   uuid.UUID              `json:"lobby_id"`
	Type      LobbyEventType         `json:"type"`
	ActorID   string                 `json:"actor_id,omitempty"`
	PlayerID  string                 `json:"player_id,omitempty"`
	Version   int64                  `json:"version"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"` // epoch millis
}
