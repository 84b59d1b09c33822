package authz

import (
	"encoding/json"
	"fmt"

	"github.com/stacklok/gitkv/internal/store"
)

// UserData is a user record stored under users/<realm>/<name>.
type UserData struct {
	Roles []string
	// Password is the bcrypt hash of the user's password.
	Password string
	// Extra holds every other field of the record, preserved verbatim.
	Extra map[string]json.RawMessage
}

// MarshalJSON encodes the record with its extra fields.
func (u UserData) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(u.Extra)+2)
	for k, v := range u.Extra {
		fields[k] = v
	}

	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	raw, err := json.Marshal(roles)
	if err != nil {
		return nil, err
	}
	fields["roles"] = raw

	if u.Password != "" {
		raw, err := json.Marshal(u.Password)
		if err != nil {
			return nil, err
		}
		fields["password"] = raw
	} else {
		delete(fields, "password")
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a record, keeping unknown fields in Extra.
func (u *UserData) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*u = UserData{}
	if raw, ok := fields["roles"]; ok {
		if err := json.Unmarshal(raw, &u.Roles); err != nil {
			return fmt.Errorf("roles: %w", err)
		}
		delete(fields, "roles")
	}
	if raw, ok := fields["password"]; ok {
		if err := json.Unmarshal(raw, &u.Password); err != nil {
			return fmt.Errorf("password: %w", err)
		}
		delete(fields, "password")
	}
	if len(fields) > 0 {
		u.Extra = fields
	}
	return nil
}

// Encode returns the record as it is committed.
func (u UserData) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode user record: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseUserData validates and decodes a user record. path and ref label the
// returned validation error.
func ParseUserData(path, ref string, data []byte) (*UserData, error) {
	if err := store.ValidateUserData(path, ref, data); err != nil {
		return nil, err
	}
	u := &UserData{}
	if err := json.Unmarshal(data, u); err != nil {
		return nil, &store.ValidationError{Path: path, Ref: ref, Err: err}
	}
	return u, nil
}
