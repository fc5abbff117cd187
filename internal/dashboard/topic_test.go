package dashboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTopics(t *testing.T) {
	assert.Equal(t, []string{"home"}, ParseTopics(""))
	assert.Equal(t, []string{"home"}, ParseTopics(" , ,"))
	assert.Equal(t, []string{"home", "platform:2"}, ParseTopics("home, platform:2,home"))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		subscribed []string
		topic      string
		want       bool
	}{
		{[]string{"home"}, "home", true},
		{[]string{"home"}, "home.sub", true},
		{[]string{"home"}, "home:platform:2", true},
		{[]string{"home"}, "homepage", false},
		{[]string{"home"}, "system", false},
		{[]string{"platform"}, "platform:2", true},
		{[]string{"home:plat*"}, "home:platform:2", true},
		{[]string{"home:plat*"}, "home:province:1", false},
		{[]string{"all"}, "anything:at:all", true},
		{[]string{"all"}, "", false},
		{[]string{"home"}, "  ", false},
		{nil, "home", false},
		{[]string{"", "province"}, "province.9", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.subscribed, tt.topic), "%v vs %q", tt.subscribed, tt.topic)
	}
}
