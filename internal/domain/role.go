// Package domain contains the consultation entities. No transport or
// lifecycle logic here.
package domain

import "errors"

// ConsultationID identifies one doctor/patient consultation.
type ConsultationID string

// Role is one of the two admissible identities in a consultation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

var ErrUnknownRole = errors.New("unknown role")

// ParseRole validates a role string coming off the wire.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDoctor:
		return RoleDoctor, nil
	case RolePatient:
		return RolePatient, nil
	}
	return "", ErrUnknownRole
}

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

func (r Role) String() string { return string(r) }
