// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserRecord is the shape the new service returns for a user. The ID is
// shared with the legacy store so both stores stay addressable by one key.
type UserRecord struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUser carries a creation payload to the new service. ID is the legacy
// record's identifier and must be set by the caller.
type NewUser struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Role      string    `json:"role"`
	Password  string    `json:"password,omitempty"`
}

// UserPatch is a sparse field update.
type UserPatch map[string]any

// UserFilter narrows user listings.
type UserFilter struct {
	Role   string
	Search string
	Limit  int
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is the new service's successful authentication response.
type LoginResult struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}
