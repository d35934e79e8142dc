package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPayload(t *testing.T) {
	payload, err := readPayload(strings.NewReader("ignored"), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	payload, err = readPayload(strings.NewReader("from stdin"), []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, []byte("from stdin"), payload)

	payload, err = readPayload(strings.NewReader("no args"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("no args"), payload)
}

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, headers)

	headers, err = parseHeaders([]string{"tenant=acme", "trace=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"tenant": "acme", "trace": "a=b"}, headers)

	_, err = parseHeaders([]string{"novalue"})
	assert.Error(t, err)

	_, err = parseHeaders([]string{"=value"})
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	cfg := defaultConfig()
	root := newRootCmd(&cfg)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"declare", "publish", "consume", "poll", "inspect", "health"}, names)

	require.NoError(t, root.PersistentFlags().Set("queue", "orders"))
	require.NoError(t, root.PersistentFlags().Set("retry-wait", "45s"))
	assert.Equal(t, "orders", cfg.Queue)
	assert.Equal(t, "45s", cfg.RetryWait.String())
}
