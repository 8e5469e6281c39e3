package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeETag_SaltChangesValidator(t *testing.T) {
	body := []byte(`{"metas":[]}`)

	a := computeETag(body, "salt-a")
	b := computeETag(body, "salt-b")
	assert.NotEqual(t, a, b)

	// Deterministic for identical inputs.
	assert.Equal(t, a, computeETag(body, "salt-a"))
}

func TestETagMatches(t *testing.T) {
	etag := computeETag([]byte("body"), "s")

	assert.True(t, etagMatches(etag, etag))
	assert.True(t, etagMatches("*", etag))
	assert.True(t, etagMatches(`"other", `+etag, etag))
	assert.True(t, etagMatches("W/"+etag, etag))
	assert.False(t, etagMatches(`"other"`, etag))
	assert.False(t, etagMatches("", etag))
}

func TestWriteConditional(t *testing.T) {
	body := []byte(`{"ok":true}`)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	writeConditional(rec, req, body, "salt", 3600)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(body), rec.Body.String())
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("If-None-Match", etag)
	writeConditional(rec, req, body, "salt", 3600)

	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}
