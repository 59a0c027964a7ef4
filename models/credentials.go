package models

import (
	"fmt"
	"time"
)

// Credentials for the upstream portal. Password never leaves the process
// through JSON or fmt.
type Credentials struct {
	ID        int64     `json:"id,omitempty" db:"id"`
	Email     string    `json:"email" db:"email"`
	Password  string    `json:"-" db:"password"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (c Credentials) Empty() bool {
	return c.Email == "" || c.Password == ""
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Email: %q, Password: [redacted]}", c.Email)
}

func (c Credentials) GoString() string {
	return c.String()
}
