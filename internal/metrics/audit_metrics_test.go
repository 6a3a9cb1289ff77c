package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAudit(t *testing.T) {
	before := testutil.ToFloat64(AuditsTotal.WithLabelValues("soft_success"))
	RecordAudit("soft_success", 3*time.Second)
	if got := testutil.ToFloat64(AuditsTotal.WithLabelValues("soft_success")); got != before+1 {
		t.Fatalf("expected counter %v, got %v", before+1, got)
	}
}

func TestRecordRemediationAndFindings(t *testing.T) {
	before := testutil.ToFloat64(RemediationsTotal.WithLabelValues("verified"))
	RecordRemediation("verified")
	RecordRemediation("verified")
	if got := testutil.ToFloat64(RemediationsTotal.WithLabelValues("verified")); got != before+2 {
		t.Fatalf("expected %v, got %v", before+2, got)
	}

	vuln := testutil.ToFloat64(FindingsTotal.WithLabelValues("vulnerable"))
	RecordFinding("vulnerable")
	if got := testutil.ToFloat64(FindingsTotal.WithLabelValues("vulnerable")); got != vuln+1 {
		t.Fatalf("expected %v, got %v", vuln+1, got)
	}
}

func TestRecordRegressionsIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(RegressionsTotal)
	RecordRegressions(0)
	RecordRegressions(3)
	if got := testutil.ToFloat64(RegressionsTotal); got != before+3 {
		t.Fatalf("expected %v, got %v", before+3, got)
	}
}

func TestTrackHost(t *testing.T) {
	base := testutil.ToFloat64(HostsInFlight)
	done := TrackHost()
	if got := testutil.ToFloat64(HostsInFlight); got != base+1 {
		t.Fatalf("expected gauge %v, got %v", base+1, got)
	}
	done()
	if got := testutil.ToFloat64(HostsInFlight); got != base {
		t.Fatalf("expected gauge back to %v, got %v", base, got)
	}
}

func TestParseAndRepairCounters(t *testing.T) {
	RecordParseFailure("artifact")
	RecordRepairPass("escape")
	ObserveRemediation(time.Second)
	if testutil.CollectAndCount(ParseFailuresTotal) == 0 {
		t.Fatal("expected parse failure series")
	}
	if testutil.CollectAndCount(RepairPassesTotal) == 0 {
		t.Fatal("expected repair pass series")
	}
}
