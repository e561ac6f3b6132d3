package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var entryValidator = validator.New()

// CheckEntry validates one source or alert rule entry against its tags.
func CheckEntry(entry interface{}) error {
	if err := entryValidator.Struct(entry); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}
	return nil
}
