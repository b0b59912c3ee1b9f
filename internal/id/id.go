// Package id generates unique identifiers for sessions, events and users.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	size     = 32
)

// Generate returns a 32-character alphanumeric nanoid.
func Generate() string {
	v, err := gonanoid.Generate(alphabet, size)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return v
}
