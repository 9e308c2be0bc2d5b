package config

import "errors"

var (
	// ErrInvalidConfig wraps every field that fails validation.
	ErrInvalidConfig = errors.New("invalid ladder configuration")
	// ErrLoadConfig wraps failures reading the YAML file, .env file or environment.
	ErrLoadConfig = errors.New("cannot load ladder configuration")
)
