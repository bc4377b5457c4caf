package models

import (
	"time"

	"github.com/google/uuid"
)

// LobbyState is the derived capacity state of a lobby.
type LobbyState string

const (
	LobbyOpen LobbyState = "open"
	LobbyFull LobbyState = "full"
)

// Lobby is the server-held record every client reconciles against.
//
// HostID always names a member, except right after the host was removed
// and before anyone migrated authority; see Lobby.HostPresent.
type Lobby struct {
	ID         uuid.UUID `json:"id"`
	Code       string    `json:"lobbyCode"`
	Name       string    `json:"name"`
	MaxPlayers int       `json:"maxPlayers"`
	IsPrivate  bool      `json:"isPrivate"`
	HostID     string    `json:"hostId"`

	// Players is ordered by join time.
	Players    []Player   `json:"players"`
	Attributes Attributes `json:"attributes,omitempty"`

	CreatedAt       time.Time `json:"created"`
	LastHeartbeatAt time.Time `json:"lastHeartbeat"`
	LastUpdatedAt   time.Time `json:"lastUpdated"`

	// Version increases on every mutation except heartbeats.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the lobby.
func (l *Lobby) Clone() *Lobby {
	if l == nil {
		return nil
	}
	out := *l
	out.Attributes = l.Attributes.Clone()
	out.Players = make([]Player, len(l.Players))
	for i, p := range l.Players {
		out.Players[i] = p.Clone()
	}
	return &out
}

// AvailableSlots is MaxPlayers minus the current member count.
func (l *Lobby) AvailableSlots() int {
	return l.MaxPlayers - len(l.Players)
}

// IsFull reports whether no slot is left.
func (l *Lobby) IsFull() bool {
	return len(l.Players) >= l.MaxPlayers
}

// State returns open or full.
func (l *Lobby) State() LobbyState {
	if l.IsFull() {
		return LobbyFull
	}
	return LobbyOpen
}

// PlayerIndex returns the position of playerID in Players, or -1.
func (l *Lobby) PlayerIndex(playerID string) int {
	for i := range l.Players {
		if l.Players[i].ID == playerID {
			return i
		}
	}
	return -1
}

// HasPlayer reports whether playerID is a current member.
func (l *Lobby) HasPlayer(playerID string) bool {
	return l.PlayerIndex(playerID) >= 0
}

// IsHost reports whether playerID currently holds host authority.
func (l *Lobby) IsHost(playerID string) bool {
	return playerID != "" && l.HostID == playerID
}

// HostPresent reports whether HostID names a current member. It is false
// in the window between the host leaving and a migration.
func (l *Lobby) HostPresent() bool {
	return l.HasPlayer(l.HostID)
}

// ForViewer returns a copy with attributes the viewer may not read removed.
// Members see public and member data; private player data is visible only
// to its owner and private lobby data only to the host.
func (l *Lobby) ForViewer(viewerID string) *Lobby {
	out := l.Clone()
	member := l.HasPlayer(viewerID)
	host := l.IsHost(viewerID)

	out.Attributes = l.Attributes.Visible(func(v Visibility) bool {
		switch v {
		case VisibilityPublic:
			return true
		case VisibilityMember:
			return member
		default:
			return host
		}
	})
	for i, p := range l.Players {
		self := p.ID == viewerID
		out.Players[i].Attributes = p.Attributes.Visible(func(v Visibility) bool {
			switch v {
			case VisibilityPublic:
				return true
			case VisibilityMember:
				return member
			default:
				return self
			}
		})
	}
	return out
}

// DirectoryEntry is the read-only projection of a public lobby used by discovery queries.
type DirectoryEntry struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	MaxPlayers     int        `json:"maxPlayers"`
	AvailableSlots int        `json:"availableSlots"`
	PlayerCount    int        `json:"playerCount"`
	HostID         string     `json:"hostId"`
	CreatedAt      time.Time  `json:"created"`
	LastUpdatedAt  time.Time  `json:"lastUpdated"`
	Attributes     Attributes `json:"attributes,omitempty"`
}

// DirectoryEntry projects the lobby for the directory, keeping public attributes only.
func (l *Lobby) DirectoryEntry() DirectoryEntry {
	return DirectoryEntry{
		ID:             l.ID,
		Name:           l.Name,
		MaxPlayers:     l.MaxPlayers,
		AvailableSlots: l.AvailableSlots(),
		PlayerCount:    len(l.Players),
		HostID:         l.HostID,
		CreatedAt:      l.CreatedAt,
		LastUpdatedAt:  l.LastUpdatedAt,
		Attributes: l.Attributes.Visible(func(v Visibility) bool {
			return v == VisibilityPublic
		}),
	}
}
