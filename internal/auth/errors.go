package auth

import "errors"

var (
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrTokenConsumed = errors.New("auth: token already used")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrSecretTooLong = errors.New("auth: secret exceeds 72 bytes")
	ErrMissingSecret = errors.New("auth: signing secret is not configured")
)
