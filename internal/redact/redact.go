// Package redact strips sensitive values from strings before they are logged
// or shown to users. Failure messages travel to every connected browser on
// the progress channel, so anything that can carry credentials, keys, or
// local paths goes through here first.
package redact

import (
	"net/url"
	"regexp"
	"strconv"
)

// Constants for redaction placeholders
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
)

// Precompiled regex patterns
var (
	// Connection strings with inline credentials
	dbConnRegex = regexp.MustCompile(`(?i)(postgres|postgresql|mysql|mongodb|redis|rediss|amqp)://[^@\s]+@`)

	// Credentials and tokens
	passwordRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`)
	apiKeyRegex   = regexp.MustCompile(
		`(?i)(api[_-]?key|token|secret|key|access|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)
	googleKeyRegex = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`)
	jwtTokenRegex  = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)

	// File paths
	unixPathRegex = regexp.MustCompile(`(/[\w.-]+){2,}`)
	winPathRegex  = regexp.MustCompile(`[A-Za-z]:\\[^\\]+(\\[^\\]+)+`)

	// Stack trace fragments
	stackTraceRegex = regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`)

	emailRegex    = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	hostPortRegex = regexp.MustCompile(
		`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}(?::\d{1,5})?\b`,
	)

	// Web URLs in user-facing messages; the final character excludes
	// sentence punctuation.
	webURLRegex    = regexp.MustCompile(`https?://[^\s"'<>]*[^\s"'<>.,;:)]`)
	urlMarkerRegex = regexp.MustCompile(`\x00[0-9]+\x00`)

	// Patterns in application order, with their placeholders
	patterns = []struct {
		re          *regexp.Regexp
		placeholder string
	}{
		{dbConnRegex, RedactedCredentialPlaceholder},
		{passwordRegex, RedactedCredentialPlaceholder},
		{apiKeyRegex, RedactedKeyPlaceholder},
		{googleKeyRegex, RedactedKeyPlaceholder},
		{jwtTokenRegex, "[REDACTED_JWT]"},
		{unixPathRegex, RedactedPathPlaceholder},
		{winPathRegex, RedactedPathPlaceholder},
		{stackTraceRegex, "[STACK_TRACE_REDACTED]"},
		{emailRegex, "[REDACTED_EMAIL]"},
		{hostPortRegex, "[REDACTED_HOST]"},
	}
)

// String redacts sensitive information from the input string
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, p := range patterns {
		result = p.re.ReplaceAllString(result, p.placeholder)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Message renders err for end users. It redacts like Error but keeps web
// URLs readable, minus any userinfo, since the URL is usually the subject the
// user asked about.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var urls []string
	masked := webURLRegex.ReplaceAllStringFunc(err.Error(), func(u string) string {
		urls = append(urls, stripUserinfo(u))
		return "\x00" + strconv.Itoa(len(urls)-1) + "\x00"
	})

	redacted := String(masked)
	if len(urls) == 0 {
		return redacted
	}

	return urlMarkerRegex.ReplaceAllStringFunc(redacted, func(m string) string {
		i, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || i >= len(urls) {
			return RedactionPlaceholder
		}
		return urls[i]
	})
}

func stripUserinfo(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactionPlaceholder
	}
	if u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
