package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
		ok       bool
	}{
		{
			name:     "canonical host unchanged",
			raw:      "https://terabox.com/s/abc123",
			expected: "https://terabox.com/s/abc123",
			ok:       true,
		},
		{
			name:     "1024terabox rewritten",
			raw:      "https://1024terabox.com/s/abc123",
			expected: "https://terabox.com/s/abc123",
			ok:       true,
		},
		{
			name:     "www prefix stripped",
			raw:      "https://www.teraboxapp.com/s/abc",
			expected: "https://terabox.com/s/abc",
			ok:       true,
		},
		{
			name:     "query and fragment preserved",
			raw:      "https://nephobox.com/share?surl=xyz#top",
			expected: "https://terabox.com/share?surl=xyz#top",
			ok:       true,
		},
		{
			name:     "subdomain of alternate matches",
			raw:      "https://dl.4funbox.com/s/abc",
			expected: "https://terabox.com/s/abc",
			ok:       true,
		},
		{
			name:     "plain http preserved",
			raw:      "http://mirrobox.com/s/abc",
			expected: "http://terabox.com/s/abc",
			ok:       true,
		},
		{
			name: "unknown host rejected",
			raw:  "https://example.com/s/abc",
		},
		{
			name: "lookalike host rejected",
			raw:  "https://faketerabox.com.evil.io/s/abc",
		},
		{
			name: "not a url",
			raw:  "terabox please",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"https://terabox.com/s/abc",
		"https://1024terabox.com/s/abc",
		"https://www.terasharelink.com/s/abc?pwd=1",
		"https://momerybox.com/s/abc#f",
	}
	for _, raw := range inputs {
		once, ok := Normalize(raw)
		assert.True(t, ok, raw)
		twice, ok := Normalize(once)
		assert.True(t, ok, once)
		assert.Equal(t, once, twice)
	}
}

func TestIsTeraboxLink(t *testing.T) {
	assert.True(t, IsTeraboxLink("https://teraboxlink.com/s/abc"))
	assert.True(t, IsTeraboxLink("https://terabox.com/s/abc"))
	assert.False(t, IsTeraboxLink("https://dropbox.com/s/abc"))
	assert.False(t, IsTeraboxLink(""))
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected []Match
	}{
		{
			name: "single link in prose",
			text: "check this out: https://1024terabox.com/s/abc thanks",
			expected: []Match{
				{Raw: "https://1024terabox.com/s/abc", Canonical: "https://terabox.com/s/abc"},
			},
		},
		{
			name: "multiple links keep order",
			text: "a https://terabox.com/s/one and b https://nephobox.com/s/two",
			expected: []Match{
				{Raw: "https://terabox.com/s/one", Canonical: "https://terabox.com/s/one"},
				{Raw: "https://nephobox.com/s/two", Canonical: "https://terabox.com/s/two"},
			},
		},
		{
			name: "alternate spellings of same link collapse to first",
			text: "https://teraboxapp.com/s/abc https://1024terabox.com/s/abc",
			expected: []Match{
				{Raw: "https://teraboxapp.com/s/abc", Canonical: "https://terabox.com/s/abc"},
			},
		},
		{
			name:     "non-terabox links ignored",
			text:     "https://example.com/x and https://youtube.com/watch?v=1",
			expected: nil,
		},
		{
			name: "trailing punctuation trimmed",
			text: "grab https://terabox.com/s/abc, please",
			expected: []Match{
				{Raw: "https://terabox.com/s/abc", Canonical: "https://terabox.com/s/abc"},
			},
		},
		{
			name:     "no links at all",
			text:     "nothing to see here",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Extract(tt.text))
		})
	}
}
