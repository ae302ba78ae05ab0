package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lesleslie/mahavishnu/internal/types"
)

// verifyGitLabToken compares the X-Gitlab-Token header against the shared
// token in constant time.
func verifyGitLabToken(header, token string) bool {
	if token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(token)) == 1
}

// parseGitLabEvent normalises a GitLab delivery. Classification comes from
// object_kind plus object_attributes.action.
func parseGitLabEvent(header http.Header, body []byte) (*types.WebhookEvent, *types.ExternalIssue, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("webhook: invalid JSON body: %w", err)
	}

	kind, _ := payload["object_kind"].(string)
	if kind == "" {
		return nil, nil, fmt.Errorf("webhook: missing object_kind field")
	}
	attrs, _ := payload["object_attributes"].(map[string]interface{})
	action := ""
	if attrs != nil {
		action = str(attrs["action"])
	}

	event := &types.WebhookEvent{
		EventID:    header.Get("X-Gitlab-Event-UUID"),
		Source:     "gitlab",
		EventType:  kind,
		Repository: nestedString(payload, "project", "path_with_namespace"),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
		Sender:     nestedString(payload, "user", "username"),
	}
	if event.EventID == "" {
		if attrs != nil {
			if id, ok := attrs["id"].(float64); ok {
				event.EventID = fmt.Sprintf("%s:%d", kind, int(id))
			}
		}
		if event.EventID == "" {
			event.EventID = fmt.Sprintf("%s:%s:%s", kind, action, event.Repository)
		}
	}

	if kind != "issue" || action != "open" {
		return event, nil, nil
	}
	if attrs == nil {
		return nil, nil, fmt.Errorf("webhook: issue event without object_attributes")
	}

	issue := &types.ExternalIssue{
		Source:      "gitlab",
		Title:       str(attrs["title"]),
		Description: str(attrs["description"]),
		State:       str(attrs["state"]),
		Repository:  event.Repository,
		URL:         str(attrs["url"]),
		Author:      event.Sender,
		CreatedAt:   event.ReceivedAt,
	}
	if iid, ok := attrs["iid"].(float64); ok {
		issue.ExternalID = strconv.Itoa(int(iid))
	} else if id, ok := attrs["id"].(float64); ok {
		issue.ExternalID = strconv.Itoa(int(id))
	}
	if labels, ok := payload["labels"].([]interface{}); ok {
		for _, l := range labels {
			if lm, ok := l.(map[string]interface{}); ok {
				if title := str(lm["title"]); title != "" {
					issue.Labels = append(issue.Labels, title)
				}
			}
		}
	}
	return event, issue, nil
}
