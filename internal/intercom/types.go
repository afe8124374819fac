package intercom

import (
	"encoding/json"
	"strconv"
	"strings"
)

// User is the subset of an Intercom user the pipeline cares about.
type User struct {
	UserID int64
	Email  string
}

// UnmarshalJSON accepts user_id as either a JSON string or a bare
// number; the platform echoes back whatever encoding the caller
// assigned. An id that is not numeric leaves UserID zero so one odd
// user does not fail the whole page.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID json.RawMessage `json:"user_id"`
		Email  string          `json:"email"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.UserID = ParseUserID(raw.UserID)
	u.Email = raw.Email
	return nil
}

// ParseUserID decodes a user_id field that may be string or number
// encoded. Missing, null or non-numeric ids come back as zero.
func ParseUserID(raw json.RawMessage) int64 {
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// UserUpdate carries the custom attributes written back to a user.
type UserUpdate struct {
	UserID           int64                  `json:"user_id"`
	CustomAttributes map[string]interface{} `json:"custom_attributes"`
}

// Note is a note attached to a user.
type Note struct {
	UserID int64  `json:"-"`
	Body   string `json:"body"`
}

// usersPage mirrors the paginated list-users response.
type usersPage struct {
	Users []User `json:"users"`
	Pages struct {
		Next string `json:"next"`
	} `json:"pages"`
}
