package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(pollOutcomes.WithLabelValues("found"))
	PollOutcome("found")
	PollOutcome("found")
	if got := testutil.ToFloat64(pollOutcomes.WithLabelValues("found")) - before; got != 2 {
		t.Errorf("found delta = %v, want 2", got)
	}

	before = testutil.ToFloat64(insertsObserved.WithLabelValues("true"))
	InsertObserved(true)
	if got := testutil.ToFloat64(insertsObserved.WithLabelValues("true")) - before; got != 1 {
		t.Errorf("inserts delta = %v, want 1", got)
	}
}

func TestHandler_ExposesNamespace(t *testing.T) {
	Send("ok", 1500*time.Millisecond)
	PollFetch("fast")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"storepulse_sends_total", "storepulse_send_duration_seconds", "storepulse_poll_fetches_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
