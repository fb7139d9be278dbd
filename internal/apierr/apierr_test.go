package apierr

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestWriteSetsStatusAndEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Write(c, KindUpstreamRateLimited, "too many requests")

	if w.Code != 429 {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	var body envelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Type != TypeRateLimitError || body.Error.Code != "upstream_rate_limited" {
		t.Fatalf("unexpected envelope: %+v", body.Error)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected default Retry-After for rate limited kind")
	}
}

func TestWriteRetryAfterOverridesDefault(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	WriteRetryAfter(c, KindNoAccountAvailable, "no accounts", 42)

	if got := w.Header().Get("Retry-After"); got != "42" {
		t.Fatalf("Retry-After = %q, want 42", got)
	}
	if w.Code != 503 {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestStatusForEveryKind(t *testing.T) {
	cases := map[Kind]int{
		KindAuthMissing:          401,
		KindAuthInvalid:          401,
		KindKeyDisabled:          403,
		KindKeyExpired:           403,
		KindQuotaExceeded:        429,
		KindNoAccountAvailable:   503,
		KindUpstreamUnauthorized: 502,
		KindUpstreamRateLimited:  429,
		KindUpstreamError:        502,
		KindBadRequest:           400,
	}
	for kind, want := range cases {
		if got := Status(kind); got != want {
			t.Errorf("Status(%s) = %d, want %d", kind, got, want)
		}
	}
}
