package apiclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_JSONObject(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("application/json; charset=utf-8", []byte(`{"id":7,"tags":["a","b"]}`))
	require.NoError(t, err)

	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(7), m["id"])
	assert.Equal(t, []any{"a", "b"}, m["tags"])
}

func TestParseResponse_JSONArray(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("application/json", []byte(`[1,2,3]`))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, v)
}

func TestParseResponse_InvalidJSONFails(t *testing.T) {
	t.Parallel()

	_, err := parseResponse("application/json", []byte(`{"id":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode json")
}

func TestParseResponse_VendorJSONMediaType(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("application/vnd.api+json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, v)
}

func TestParseResponse_XMLNested(t *testing.T) {
	t.Parallel()

	body := []byte(`<?xml version="1.0"?>
<catalog total="2">
  <entry><id>1</id><name>alpha</name></entry>
  <entry><id>2</id><name>beta</name></entry>
</catalog>`)

	v, err := parseResponse("application/xml", body)
	require.NoError(t, err)

	root, ok := v.(map[string]any)
	require.True(t, ok)
	catalog, ok := root["catalog"].(map[string]any)
	require.True(t, ok)

	// Attributes merge into the element map.
	assert.Equal(t, "2", catalog["total"])

	// Repeated tags collapse into an ordered slice.
	entries, ok := catalog["entry"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)

	first, ok := entries[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", first["id"])
	assert.Equal(t, "alpha", first["name"])
}

func TestParseResponse_XMLTextWithAttributes(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("text/xml", []byte(`<status code="200">healthy</status>`))
	require.NoError(t, err)

	root := v.(map[string]any)
	status, ok := root["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "200", status["code"])
	assert.Equal(t, "healthy", status["#text"])
}

func TestParseResponse_XMLSingleChildStaysScalar(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("application/xml", []byte(`<list><item>only</item></list>`))
	require.NoError(t, err)

	root := v.(map[string]any)
	list := root["list"].(map[string]any)

	// One occurrence is a scalar, not a one-element slice; the pager folds
	// it back when it reads the envelope.
	assert.Equal(t, "only", list["item"])
}

func TestParseResponse_XMLEmptyElement(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("application/xml", []byte(`<root><empty/></root>`))
	require.NoError(t, err)

	root := v.(map[string]any)["root"].(map[string]any)
	assert.Nil(t, root["empty"])
}

func TestParseResponse_XMLNoRootFails(t *testing.T) {
	t.Parallel()

	_, err := parseResponse("application/xml", []byte(`   `))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no root element")
}

func TestParseResponse_XMLTruncatedFails(t *testing.T) {
	t.Parallel()

	_, err := parseResponse("application/xml", []byte(`<root><open>`))
	require.Error(t, err)
}

func TestParseResponse_PlainTextLines(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("text/plain; charset=utf-8", []byte("alpha\r\nbeta\n\ngamma\n"))
	require.NoError(t, err)

	// CRLF normalizes, interior blanks stay, the final newline's empty
	// tail is dropped.
	assert.Equal(t, []string{"alpha", "beta", "", "gamma"}, v)
}

func TestParseResponse_TSVLines(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("text/tab-separated-values", []byte("id\tname\n1\talpha\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"id\tname", "1\talpha"}, v)
}

func TestParseResponse_UnknownSniffsJSON(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("application/octet-stream", []byte(`{"sniffed":true}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sniffed": true}, v)
}

func TestParseResponse_UnknownFallsBackToRaw(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("application/octet-stream", []byte("not json at all"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"raw": "not json at all"}, v)
}

func TestParseResponse_MissingContentTypeSniffs(t *testing.T) {
	t.Parallel()

	v, err := parseResponse("", []byte(`[true]`))
	require.NoError(t, err)
	assert.Equal(t, []any{true}, v)
}
