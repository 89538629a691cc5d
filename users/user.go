// Package users keeps the accounts of a domain. The sheets of a domain
// check credentials against it before applying a mutation.
package users

import (
	"context"
)

// Discovery kind and RPC service name of users replicas.
const (
	ServiceKind = "users"
	ServiceName = "Users"
)

type User struct {
	UserID   string `json:"userId" validate:"required,excludesall=@"`
	FullName string `json:"fullName" validate:"required"`
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Directory authenticates users. It answers NotFound for an unknown user
// and Forbidden for a wrong password.
type Directory interface {
	GetUser(ctx context.Context, userID, password string) (User, error)
}

// SheetsCleaner removes the sheets a deleted user owned.
type SheetsCleaner interface {
	DeleteUserSheets(ctx context.Context, userID, password string) error
}
