package cliutil

import (
	"regexp"
	"strings"
)

const mask = "[redacted]"

// Key names whose assigned values must never reach the terminal or a JSON
// stream. Pair manifests carry child env blocks verbatim, so anything the
// server or proxy is handed can show up in config show output and events.
var sensitiveKeys = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"DATABASE_PASSWORD",
	"DB_PASSWORD",
	"POSTGRES_PASSWORD",
	"REDIS_PASSWORD",
	"API_KEY",
	"ACCESS_TOKEN",
	"REFRESH_TOKEN",
	"CLIENT_SECRET",
}

var (
	templateRefs = regexp.MustCompile(`\$\{[^}]+\}`)
	assignments  = compileAssignments(sensitiveKeys)
)

// compileAssignments matches KEY=value and KEY: value forms, optionally
// quoted, case-insensitively. The value group stops at whitespace so only
// the secret itself is replaced.
func compileAssignments(keys []string) *regexp.Regexp {
	quoted := make([]string, len(keys))
	for i, key := range keys {
		quoted[i] = regexp.QuoteMeta(key)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
}

// RedactSecrets masks ${VAR} template references and values assigned to
// well-known secret keys before a string is shown to the user.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	message = templateRefs.ReplaceAllStringFunc(message, func(string) string {
		return "${" + mask + "}"
	})
	return assignments.ReplaceAllString(message, "$1$2$3"+mask+"$5")
}
