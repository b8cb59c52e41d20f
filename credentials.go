package pocketauth

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// MinPasswordLength is the shortest password accepted at sign-up
const MinPasswordLength = 6

// Credentials represents an email/password sign-in attempt
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Normalize trims the email. The password is left as typed.
func (c Credentials) Normalize() Credentials {
	c.Email = strings.TrimSpace(c.Email)
	return c
}

// Validate checks the credentials before they reach the network
func (c Credentials) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Email, validation.Required, is.Email),
		validation.Field(&c.Password, validation.Required),
	)
	return validationError("sign_in", err)
}

// SignUpRequest represents a new account registration
type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`

	// RedirectTo is where the confirmation email should send the user back to
	RedirectTo string `json:"-"`
}

// Validate checks the sign-up request before it reaches the network
func (r SignUpRequest) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(MinPasswordLength, 72)),
		validation.Field(&r.DisplayName, validation.Length(0, 100)),
	)
	return validationError("sign_up", err)
}

// ValidateEmail checks a bare email address, as used by password reset
func ValidateEmail(op, email string) error {
	return validationError(op, validation.Validate(strings.TrimSpace(email), validation.Required, is.Email))
}

func validationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindValidation, Op: op, Code: "validation_failed", Message: err.Error(), Err: err}
}
