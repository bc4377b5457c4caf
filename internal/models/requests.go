package models

// Request and response bodies of the lobby REST API, shared by the server
// handlers and the HTTP client.

// CreateLobbyRequest is the body of POST /lobbies.
type CreateLobbyRequest struct {
	Name       string     `json:"name"`
	MaxPlayers int        `json:"maxPlayers"`
	IsPrivate  bool       `json:"isPrivate"`
	Attributes Attributes `json:"attributes,omitempty"`
	// Player carries the creator's attributes; its id must match the token.
	Player *Player `json:"player,omitempty"`
}

// JoinRequest is the body of the join endpoints.
type JoinRequest struct {
	Player *Player `json:"player,omitempty"`
}

// QuickJoinRequest is the body of POST /lobbies/quickjoin. Filters use the
// "field:op:value" form.
type QuickJoinRequest struct {
	Player  *Player  `json:"player,omitempty"`
	Filters []string `json:"filter,omitempty"`
}

// UpdateLobbyRequest is the body of PATCH /lobbies/{id}.
type UpdateLobbyRequest struct {
	Attributes AttributePatch `json:"attributes,omitempty"`
	HostID     string         `json:"hostId,omitempty"`
}

// UpdatePlayerRequest is the body of PATCH /lobbies/{id}/players/{playerId}.
type UpdatePlayerRequest struct {
	Attributes AttributePatch `json:"attributes,omitempty"`
}

// LobbyList is the response of GET /lobbies.
type LobbyList struct {
	Results []DirectoryEntry `json:"results"`
}
