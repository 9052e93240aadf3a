package notify

import (
	"fmt"
	"strings"
	"time"
)

// FormatThrottledMessage creates the body of a rate-limit alert.
func FormatThrottledMessage(provider string, until, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Provider: %s\n", provider))
	sb.WriteString(fmt.Sprintf("Paused for: %s\n", until.Sub(now).Round(time.Second)))
	sb.WriteString(fmt.Sprintf("Resumes at: %s\n", until.UTC().Format(time.RFC3339)))
	sb.WriteString("Subscribers are served the last known state until then.")

	return sb.String()
}
