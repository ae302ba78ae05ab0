package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// verifyGitHubSignature checks the X-Hub-Signature-256 header, an HMAC-SHA256
// of the raw body encoded as "sha256=<hex>".
func verifyGitHubSignature(body []byte, header, secret string) bool {
	if secret == "" {
		// No secret configured means verification is off.
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// githubSignature computes the header value for a body, shared with tests.
func githubSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// parseGitHubEvent normalises a GitHub delivery. The second return value is
// the extracted issue for issues/opened deliveries, nil otherwise.
func parseGitHubEvent(header http.Header, body []byte) (*types.WebhookEvent, *types.ExternalIssue, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("webhook: invalid JSON body: %w", err)
	}

	eventType := header.Get("X-GitHub-Event")
	if eventType == "" {
		return nil, nil, fmt.Errorf("webhook: missing X-GitHub-Event header")
	}
	action, _ := payload["action"].(string)

	event := &types.WebhookEvent{
		EventID:    header.Get("X-GitHub-Delivery"),
		Source:     "github",
		EventType:  eventType,
		Repository: nestedString(payload, "repository", "full_name"),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
		Sender:     nestedString(payload, "sender", "login"),
	}
	if event.EventID == "" {
		event.EventID = fmt.Sprintf("%s:%s:%s", eventType, action, event.Repository)
	}

	if eventType != "issues" || action != "opened" {
		return event, nil, nil
	}

	raw, ok := payload["issue"].(map[string]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("webhook: issues event without issue object")
	}
	issue := &types.ExternalIssue{
		Source:      "github",
		Title:       str(raw["title"]),
		Description: str(raw["body"]),
		State:       str(raw["state"]),
		Repository:  event.Repository,
		URL:         str(raw["html_url"]),
		Author:      nestedString(raw, "user", "login"),
		CreatedAt:   event.ReceivedAt,
	}
	if n, ok := raw["number"].(float64); ok {
		issue.ExternalID = strconv.Itoa(int(n))
	}
	if labels, ok := raw["labels"].([]interface{}); ok {
		for _, l := range labels {
			if lm, ok := l.(map[string]interface{}); ok {
				if name := str(lm["name"]); name != "" {
					issue.Labels = append(issue.Labels, name)
				}
			}
		}
	}
	return event, issue, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func nestedString(payload map[string]interface{}, outer, inner string) string {
	if m, ok := payload[outer].(map[string]interface{}); ok {
		return str(m[inner])
	}
	return ""
}
