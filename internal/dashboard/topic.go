package dashboard

import (
	"strings"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
)

// ParseTopics splits a comma separated topic list. Blank input subscribes to
// the home topic only.
func ParseTopics(csv string) []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, raw := range strings.Split(csv, ",") {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		return []string{domain.TopicHome}
	}
	return topics
}

// Match reports whether any subscribed token covers topic.
//
//	all          everything
//	home         home, home.sub, home:platform:2 (not homepage)
//	home:plat*   any topic starting with "home:plat"
func Match(subscribed []string, topic string) bool {
	if strings.TrimSpace(topic) == "" {
		return false
	}
	for _, token := range subscribed {
		token = strings.TrimSpace(token)
		switch {
		case token == "":
			continue
		case token == domain.TopicAll, token == topic:
			return true
		case strings.HasSuffix(token, "*"):
			if strings.HasPrefix(topic, strings.TrimSuffix(token, "*")) {
				return true
			}
		case len(topic) > len(token) && strings.HasPrefix(topic, token):
			if sep := topic[len(token)]; sep == '.' || sep == ':' {
				return true
			}
		}
	}
	return false
}
