// Package taskuri builds and parses the metadata URIs stored on chain.
//
// A task created through the API gets taskURI "<base>/task/<id>.json", where
// <id> is the task id the API predicted at creation time. When that
// prediction raced with another creation the URI names a different task,
// which is why the mirror keys rows by the on-chain id and not by the URI.
package taskuri

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultBase is used when no public URL is configured.
const DefaultBase = "https://api.everecho.io"

var taskPath = regexp.MustCompile(`/task/(\d+)\.json$`)

func base(b string) string {
	b = strings.TrimRight(strings.TrimSpace(b), "/")
	if b == "" {
		return DefaultBase
	}
	return b
}

// Build returns the metadata URI for taskID.
func Build(baseURL, taskID string) string {
	return fmt.Sprintf("%s/task/%s.json", base(baseURL), taskID)
}

// Parse extracts the task id embedded in uri.
func Parse(uri string) (string, bool) {
	m := taskPath.FindStringSubmatch(strings.TrimSpace(uri))
	if m == nil {
		return "", false
	}
	return strings.TrimLeft(m[1], "0") + zeroIfEmpty(m[1]), true
}

func zeroIfEmpty(digits string) string {
	if strings.Trim(digits, "0") == "" {
		return "0"
	}
	return ""
}

// ProfileURI returns the metadata URI for a wallet profile.
func ProfileURI(baseURL, address string) string {
	return fmt.Sprintf("%s/profile/%s.json", base(baseURL), address)
}
