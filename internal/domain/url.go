package domain

import (
	"fmt"
	"net/url"
)

// ValidateSourceURL accepts absolute http and https URLs.
func ValidateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
