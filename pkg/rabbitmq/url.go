package rabbitmq

import (
	"errors"
	"net/url"
	"strings"
)

// sanitizeAMQPURL strips quotes and stray prefixes that deployment tooling tends to leave
// around the broker URL and checks the scheme.
func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// redactURL hides credentials for log lines.
func redactURL(clean string) string {
	u, err := url.Parse(clean)
	if err != nil {
		return "amqp://***"
	}
	return u.Redacted()
}
