package domain

import "time"

type RoomID string

type ParticipantID string

// Role of a participant inside a room. The room creator starts as host;
// the role moves to the surviving member when the host departs.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// RoomCapacity is fixed: a room links exactly two participants.
const RoomCapacity = 2

type Room struct {
	ID        RoomID          `json:"id"`
	Members   []ParticipantID `json:"members"`
	HostID    ParticipantID   `json:"host_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Room) IsFull() bool {
	return len(r.Members) >= RoomCapacity
}

func (r *Room) IsEmpty() bool {
	return len(r.Members) == 0
}

func (r *Room) HasMember(id ParticipantID) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

// OtherMember returns the occupant that is not the given participant.
func (r *Room) OtherMember(id ParticipantID) (ParticipantID, bool) {
	for _, m := range r.Members {
		if m != id {
			return m, true
		}
	}
	return "", false
}

// RemoveMember deletes the participant from the member set and reassigns
// the host role to the remaining member if the host departed.
func (r *Room) RemoveMember(id ParticipantID) {
	members := r.Members[:0]
	for _, m := range r.Members {
		if m != id {
			members = append(members, m)
		}
	}
	r.Members = members

	if r.HostID == id {
		r.HostID = ""
		if len(r.Members) > 0 {
			r.HostID = r.Members[0]
		}
	}
}

func (r *Room) RoleOf(id ParticipantID) Role {
	if r.HostID == id {
		return RoleHost
	}
	return RoleGuest
}
