package tmdb

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindNotFound, ClassifyStatus(404))
	assert.Equal(t, KindAuth, ClassifyStatus(401))
	assert.Equal(t, KindAuth, ClassifyStatus(403))
	assert.Equal(t, KindQuota, ClassifyStatus(429))
	assert.Equal(t, KindTransient, ClassifyStatus(500))
	assert.Equal(t, KindTransient, ClassifyStatus(503))
	assert.Equal(t, KindTimeout, ClassifyStatus(504))
	assert.Equal(t, KindMalformed, ClassifyStatus(422))
}

func TestClassifyText_WordBoundary(t *testing.T) {
	kind, ok := ClassifyText("status 500 from server")
	assert.True(t, ok)
	assert.Equal(t, KindTransient, kind)

	// The literal 5 inside a longer number must not trip the 5xx branch.
	_, ok = ClassifyText("found 5 matches")
	assert.False(t, ok)
	_, ok = ClassifyText("processed 150000 rows")
	assert.False(t, ok)

	kind, ok = ClassifyText("upstream said 429, backing off")
	assert.True(t, ok)
	assert.Equal(t, KindQuota, kind)

	kind, ok = ClassifyText("404")
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindTimeout.Retryable())
	assert.False(t, KindQuota.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindMalformed.Retryable())
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, parseRetryAfter(h))

	h.Set("Retry-After", "garbage")
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))

	h.Del("Retry-After")
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))
}
