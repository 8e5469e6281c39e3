package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
)

// computeETag derives the strong validator for a response body: SHA-256
// over the payload plus a contextual salt so distinct deployments never
// alias. MD5 is deliberately not an option.
func computeETag(body []byte, salt string) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(salt))
	return `"` + hex.EncodeToString(h.Sum(nil))[:32] + `"`
}

// etagMatches implements the If-None-Match comparison for strong
// validators, including the wildcard form.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range splitETags(header) {
		if candidate == etag {
			return true
		}
	}
	return false
}

func splitETags(header string) []string {
	var out []string
	for len(header) > 0 {
		for len(header) > 0 && (header[0] == ' ' || header[0] == ',') {
			header = header[1:]
		}
		if len(header) == 0 {
			break
		}
		end := 0
		for end < len(header) && header[end] != ',' {
			end++
		}
		out = append(out, trimWeak(header[:end]))
		header = header[end:]
	}
	return out
}

// trimWeak drops the weak-validator prefix; the comparison itself stays
// strong because the stored validator is always strong.
func trimWeak(tag string) string {
	for len(tag) > 0 && tag[len(tag)-1] == ' ' {
		tag = tag[:len(tag)-1]
	}
	if len(tag) > 2 && tag[0] == 'W' && tag[1] == '/' {
		return tag[2:]
	}
	return tag
}

// writeConditional sends body with the strong validator and cache headers,
// answering a matching If-None-Match with an empty 304 instead.
func writeConditional(w http.ResponseWriter, r *http.Request, body []byte, salt string, maxAge int) {
	etag := computeETag(body, salt)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(body)
}

// writeUncacheable sends body marked as never-store, used for randomised
// responses whose repetition would defeat the shuffle.
func writeUncacheable(w http.ResponseWriter, body []byte) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(body)
}
