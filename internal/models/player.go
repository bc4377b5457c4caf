package models

import "time"

// Visibility controls who may read an attribute.
type Visibility string

const (
	// VisibilityPublic attributes are readable by anyone, including directory queries.
	VisibilityPublic Visibility = "public"
	// VisibilityMember attributes are readable only by members of the lobby.
	VisibilityMember Visibility = "member"
	// VisibilityPrivate attributes are readable only by their owner (the player, or the host for lobby attributes).
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is one of the known visibility levels.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityMember, VisibilityPrivate:
		return true
	}
	return false
}

// Attribute is a single value plus the audience allowed to read it.
type Attribute struct {
	Value      string     `json:"value"`
	Visibility Visibility `json:"visibility"`
}

// Attributes maps key -> attribute. Used for both lobby-level and player-level data.
type Attributes map[string]Attribute

// Clone returns a deep copy. A nil map clones to nil.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Visible returns the subset of attributes whose visibility passes allow.
func (a Attributes) Visible(allow func(Visibility) bool) Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if allow(v.Visibility) {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AttributeUpdate is one entry of a patch. Delete removes the key; an empty
// Visibility keeps the existing one (or public for a new key).
type AttributeUpdate struct {
	Value      string     `json:"value"`
	Visibility Visibility `json:"visibility,omitempty"`
	Delete     bool       `json:"delete,omitempty"`
}

// AttributePatch is merged into an Attributes map: listed keys are overwritten
// or deleted, every other key is left untouched.
type AttributePatch map[string]AttributeUpdate

// Validate rejects unknown visibility levels and empty keys.
func (p AttributePatch) Validate() bool {
	for k, u := range p {
		if k == "" {
			return false
		}
		if u.Visibility != "" && !u.Visibility.Valid() {
			return false
		}
	}
	return true
}

// Apply merges the patch into a copy of a and returns it.
func (a Attributes) Apply(p AttributePatch) Attributes {
	out := a.Clone()
	if out == nil {
		out = make(Attributes, len(p))
	}
	for k, u := range p {
		if u.Delete {
			delete(out, k)
			continue
		}
		vis := u.Visibility
		if vis == "" {
			if prev, ok := out[k]; ok {
				vis = prev.Visibility
			} else {
				vis = VisibilityPublic
			}
		}
		out[k] = Attribute{Value: u.Value, Visibility: vis}
	}
	return out
}

// Player is the identity of a lobby participant. ID is issued by the identity
// provider and never changes for the lifetime of a session.
type Player struct {
	ID         string     `json:"id"`
	Attributes Attributes `json:"attributes,omitempty"`
	JoinedAt   time.Time  `json:"joined,omitempty"`
}

// Clone returns a copy that shares no maps with p.
func (p Player) Clone() Player {
	p.Attributes = p.Attributes.Clone()
	return p
}
