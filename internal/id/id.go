package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 21-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
// Used for all resource ids (terminals, panes, notes, agents).
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 21)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// Token returns a 48-character nanoid. Used for agent auth tokens, which
// need more entropy than resource ids.
func Token() string {
	id, err := gonanoid.Generate(alphabet, 48)
	if err != nil {
		panic(fmt.Sprintf("generate token: %v", err))
	}
	return id
}
