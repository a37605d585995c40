package model

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidPhoneFormat = errors.New("invalid phone number format, use 254XXXXXXXXX")

	phonePattern = regexp.MustCompile(`^254[0-9]{9}$`)
)

// NormalizePhone converts a Kenyan mobile number to the wire format the
// gateway requires: country code 254 followed by exactly nine digits.
// Accepted inputs: "07XXXXXXXX", "+2547XXXXXXXX", "2547XXXXXXXX".
func NormalizePhone(s string) (string, error) {
	p := strings.TrimSpace(s)
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if !phonePattern.MatchString(p) {
		return "", ErrInvalidPhoneFormat
	}
	return p, nil
}
