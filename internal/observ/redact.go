package observ

import (
	"strings"

	"go.uber.org/zap"
)

// RedactEmail masks the local part of an address for logs: "jo***@example.com".
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}
	name, domain := email[:at], email[at+1:]
	if len(name) > 2 {
		return name[:2] + "***@" + domain
	}
	return "***@" + domain
}

// Email returns a zap field holding the redacted address.
func Email(email string) zap.Field {
	return zap.String("email", RedactEmail(email))
}
