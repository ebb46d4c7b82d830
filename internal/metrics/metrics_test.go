package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryCounters(t *testing.T) {
	m := New()
	m.IncDelivery("8453", "credited")
	m.IncDelivery("8453", "credited")
	m.IncExecution("8453", "direct", "ok")

	if got := testutil.ToFloat64(m.deliveriesTotal.WithLabelValues("8453", "credited")); got != 2 {
		t.Fatalf("deliveries = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "intents_executions_total") {
		t.Fatalf("metrics output missing executions counter:\n%s", rec.Body.String())
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var m *Registry
	m.IncDelivery("1", "credited")
	m.IncPlan("ok")
	m.SetPendingJobs(3)
}
