package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Staff roles. Only these may join the realtime staff audience.
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

type User struct {
	ID           int64     `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	CreatedAt    time.Time `db:"created_at"`
}

// Claims defines the structure of the JWT claims.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}
