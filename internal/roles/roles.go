// Package roles defines the participant role hierarchy as a single ordered
// type. Permission checks compare roles with AtLeast instead of testing
// separate admin/manager/supervisor/employee flags.
package roles

import "fmt"

// Role is an ordered participant role. Higher values carry every permission
// of the roles below them.
type Role int

const (
	Employee Role = iota
	Supervisor
	Manager
	Admin
)

var names = [...]string{"employee", "supervisor", "manager", "admin"}

// Parse maps a role name to its Role. The empty string maps to Employee so
// presence messages from nodes that never set a role stay valid.
func Parse(s string) (Role, error) {
	if s == "" {
		return Employee, nil
	}
	for i, n := range names {
		if s == n {
			return Role(i), nil
		}
	}
	return Employee, fmt.Errorf("unknown role %q", s)
}

func (r Role) String() string {
	if r < Employee || r > Admin {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return names[r]
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool { return r >= Employee && r <= Admin }

// AtLeast reports whether r carries the permissions of min. This is the only
// comparison the permission layer uses.
func (r Role) AtLeast(min Role) bool { return r >= min }

// MarshalText encodes the role name, so JSON fields holding a Role stay
// human-readable.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
