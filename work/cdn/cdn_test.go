package cdn

import (
	"testing"

	"blive-proxy/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	return NewTable(&config.Config{CDNRules: config.DefaultCDNRules()})
}

func TestClassifyMirrorHost(t *testing.T) {
	rule, action := testTable(t).Classify("https://d1--cn-gotcha01.bilivideo.com/live/x.m3u8?k=v")
	assert.Equal(t, ActionMirror, action)
	assert.Equal(t, "d1--ov-gotcha05.bilivideo.com", rule.Host)
}

func TestClassifyRewriteHost(t *testing.T) {
	rule, action := testTable(t).Classify("https://node7.mcdn.bilivideo.cn/live/x.m3u8")
	assert.Equal(t, ActionRewrite, action)
	assert.Equal(t, "proxy-tf-all-ws.bilivideo.com", rule.Host)
}

func TestClassifyLastResortHost(t *testing.T) {
	_, action := testTable(t).Classify("https://cn-gotcha204-4.bilivideo.com/live/x.m3u8")
	assert.Equal(t, ActionLastResort, action)

	_, action = testTable(t).Classify("https://cn-gotcha204.bilivideo.com/live/x.m3u8")
	assert.Equal(t, ActionLastResort, action)
}

func TestClassifyUnknownHost(t *testing.T) {
	_, action := testTable(t).Classify("https://ordinary-cdn.example/live/x.m3u8")
	assert.Equal(t, ActionNone, action)
}

func TestClassifyFirstMatchWins(t *testing.T) {
	table := NewTable(&config.Config{CDNRules: []config.CDNRule{
		{Match: `example\.com`, Action: "rewrite", Host: "first.example"},
		{Match: `example\.com`, Action: "lastresort"},
	}})

	rule, action := table.Classify("http://example.com/a")
	assert.Equal(t, ActionRewrite, action)
	assert.Equal(t, "first.example", rule.Host)
}

func TestNewTableSkipsInvalidEntries(t *testing.T) {
	table := NewTable(&config.Config{CDNRules: []config.CDNRule{
		{Match: `(unclosed`, Action: "rewrite", Host: "x"},
		{Match: `fine\.example`, Action: "teleport", Host: "x"},
		{Match: `ok\.example`, Action: "lastresort"},
	}})

	require.Len(t, table.rules, 1)
	assert.Equal(t, ActionLastResort, table.rules[0].Action)
}

func TestRewriteHostPreservesPathAndQuery(t *testing.T) {
	got, err := RewriteHost("https://d1--cn-gotcha01.bilivideo.com/live/123.m3u8?expires=99&sig=abc", "d1--ov-gotcha05.bilivideo.com")
	require.NoError(t, err)
	assert.Equal(t, "https://d1--ov-gotcha05.bilivideo.com/live/123.m3u8?expires=99&sig=abc", got)
}

func TestRewriteHostWithPort(t *testing.T) {
	got, err := RewriteHost("http://127.0.0.1:9999/a", "127.0.0.1:8888")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8888/a", got)
}
