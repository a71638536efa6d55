package domain

import "fmt"

// Role is the closed set of participant roles, ordered by privilege.
type Role int

const (
	RoleParticipant Role = iota
	RoleSpeaker
	RoleModerator
	RoleHost
)

func (r Role) String() string {
	switch r {
	case RoleParticipant:
		return "participant"
	case RoleSpeaker:
		return "speaker"
	case RoleModerator:
		return "moderator"
	case RoleHost:
		return "host"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "participant":
		return RoleParticipant, nil
	case "speaker":
		return RoleSpeaker, nil
	case "moderator":
		return RoleModerator, nil
	case "host":
		return RoleHost, nil
	default:
		return RoleParticipant, fmt.Errorf("unknown role %q", s)
	}
}

// CanPublish reports whether the role is allowed to publish audio/video.
func (r Role) CanPublish() bool {
	return r == RoleSpeaker || r == RoleModerator || r == RoleHost
}

// CanModerate reports whether the role may invite, mute and kick others.
func (r Role) CanModerate() bool {
	return r == RoleModerator || r == RoleHost
}
