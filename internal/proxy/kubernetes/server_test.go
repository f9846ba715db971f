package kubernetes

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitTargetPath(t *testing.T) {
	target, rest, ok := splitTargetPath("/mycluster/api/v1/namespaces/default/pods")
	require.True(t, ok)
	require.Equal(t, "mycluster", target)
	require.Equal(t, "/api/v1/namespaces/default/pods", rest)
}

func TestSplitTargetPathBareTarget(t *testing.T) {
	target, rest, ok := splitTargetPath("/mycluster")
	require.True(t, ok)
	require.Equal(t, "mycluster", target)
	require.Equal(t, "/", rest)
}

func TestSplitTargetPathEmptyRejected(t *testing.T) {
	_, _, ok := splitTargetPath("/")
	require.False(t, ok)
}

func TestBearerTokenExtraction(t *testing.T) {
	r := &http.Request{Header: http.Header{"Authorization": []string{"Bearer abc123"}}}
	require.Equal(t, "abc123", bearerToken(r))
}

func TestBearerTokenMissing(t *testing.T) {
	r := &http.Request{Header: http.Header{}}
	require.Equal(t, "", bearerToken(r))
}

func TestParseExecMetadataMatches(t *testing.T) {
	q := url.Values{"container": {"app"}, "command": {"/bin/sh", "-c", "ls"}}
	meta := parseExecMetadata("/api/v1/namespaces/default/pods/web-0/exec", q)
	require.True(t, meta.matched)
	require.Equal(t, "default", meta.Namespace)
	require.Equal(t, "web-0", meta.Pod)
	require.Equal(t, "app", meta.Container)
}

func TestParseExecMetadataNoMatch(t *testing.T) {
	meta := parseExecMetadata("/api/v1/namespaces/default/pods/web-0/log", url.Values{})
	require.False(t, meta.matched)
}

func TestNegotiateSubprotocolPrefersHighestVersion(t *testing.T) {
	proto := negotiateSubprotocol([]string{"channel.k8s.io", "v4.channel.k8s.io", "v2.channel.k8s.io"})
	require.Equal(t, "v4.channel.k8s.io", proto)
}

func TestNegotiateSubprotocolNoMatch(t *testing.T) {
	require.Equal(t, "", negotiateSubprotocol([]string{"bogus.protocol"}))
}
