package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/expctx/expctx/pkg/scripting"
)

func scrape(t *testing.T, e *Exporter) map[string]float64 {
	t.Helper()

	rr := httptest.NewRecorder()
	e.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("Scrape should return 200, got %d", rr.Code)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(rr.Body)
	if err != nil {
		t.Fatalf("Failed to parse exposition format: %v", err)
	}

	out := map[string]float64{}
	for name, family := range families {
		for _, m := range family.GetMetric() {
			key := name
			for _, label := range m.GetLabel() {
				key += "{" + label.GetName() + "=" + label.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestExporterMetricPoints(t *testing.T) {
	e := NewExporter()
	e.ObserveMetricPoint("loss", 0.5)
	e.ObserveMetricPoint("loss", 0.4)
	e.ObserveMetricPoint("acc", 0.9)

	values := scrape(t, e)
	if values["expctx_metric_points_total"] != 3 {
		t.Errorf("Expected 3 metric points, got %v", values["expctx_metric_points_total"])
	}
}

func TestExporterClientRequests(t *testing.T) {
	e := NewExporter()
	e.ObserveClientRequest("POST", "/api/runs", nil)
	e.ObserveClientRequest("POST", "/api/runs", nil)
	e.ObserveClientRequest("GET", "/api/runs/x", errors.New("status 404"))

	values := scrape(t, e)
	if values["expctx_client_requests_total{method=POST}{result=ok}"] != 2 {
		t.Errorf("Expected 2 ok POST requests, got %v", values)
	}
	if values["expctx_client_requests_total{method=GET}{result=error}"] != 1 {
		t.Errorf("Expected 1 failed GET request, got %v", values)
	}
}

func TestExporterJobState(t *testing.T) {
	e := NewExporter()

	done := make(chan struct{})
	ctx := scripting.New(func(ctx *scripting.Context) error {
		e.ObserveJob(ctx.Job())
		close(done)
		return nil
	})
	if err := ctx.Execute([]string{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	<-done

	values := scrape(t, e)
	if values["expctx_job_state{state=running}"] != 1 {
		t.Errorf("Running state should be 1 while the job runs, got %v", values)
	}
	if values["expctx_job_state{state=completed}"] != 0 {
		t.Errorf("Completed state should be 0 while the job runs, got %v", values)
	}

	e.ObserveJob(ctx.Job())
	values = scrape(t, e)
	if values["expctx_job_state{state=completed}"] != 1 {
		t.Errorf("Completed state should be 1 after the job, got %v", values)
	}
	if values["expctx_job_state{state=running}"] != 0 {
		t.Errorf("Running state should be 0 after the job, got %v", values)
	}
}

func TestExporterSampleSystem(t *testing.T) {
	e := NewExporter()
	// Two samples so the CPU delta has a baseline
	e.SampleSystem()
	e.SampleSystem()

	values := scrape(t, e)
	if values["expctx_rss_bytes"] <= 0 {
		t.Errorf("RSS should be positive, got %v", values["expctx_rss_bytes"])
	}
}
