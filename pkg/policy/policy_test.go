package policy

import "testing"

func TestDefaultEngineAdmitsCapablePeer(t *testing.T) {
	e := NewEngine()
	ok, err := e.Admit(Capabilities{
		MaxBandwidthBps: 5_000_000,
		LatencyMs:       80,
		Reliability:     0.95,
		UptimeMs:        3_600_000,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !ok {
		t.Fatal("expected capable peer to be admitted")
	}
}

func TestDefaultEngineRejectsLowBandwidth(t *testing.T) {
	e := NewEngine()
	ok, err := e.Admit(Capabilities{
		MaxBandwidthBps: 100_000,
		LatencyMs:       80,
		Reliability:     0.95,
		UptimeMs:        3_600_000,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if ok {
		t.Fatal("expected low-bandwidth peer to be rejected")
	}
}

func TestDefaultEngineRejectsHighLatency(t *testing.T) {
	e := NewEngine()
	ok, err := e.Admit(Capabilities{
		MaxBandwidthBps: 5_000_000,
		LatencyMs:       1500,
		Reliability:     0.95,
		UptimeMs:        3_600_000,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if ok {
		t.Fatal("expected high-latency peer to be rejected")
	}
}

func TestDefaultEngineRejectsLowReliability(t *testing.T) {
	e := NewEngine()
	ok, err := e.Admit(Capabilities{
		MaxBandwidthBps: 5_000_000,
		LatencyMs:       80,
		Reliability:     0.2,
		UptimeMs:        3_600_000,
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if ok {
		t.Fatal("expected low-reliability peer to be rejected")
	}
}

func TestNewEngineFromScriptRejectsMissingAdmitFunction(t *testing.T) {
	_, err := NewEngineFromScript(`function foo() return true end`)
	if err == nil {
		t.Fatal("expected error for script missing admit()")
	}
}

func TestNewEngineFromScriptOverridesThresholds(t *testing.T) {
	lenient := `
function admit(bandwidth_bps, latency_ms, reliability, uptime_ms)
  return bandwidth_bps > 0
end
`
	e, err := NewEngineFromScript(lenient)
	if err != nil {
		t.Fatalf("load script: %v", err)
	}
	ok, err := e.Admit(Capabilities{MaxBandwidthBps: 1, LatencyMs: 5000, Reliability: 0})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !ok {
		t.Fatal("expected lenient override script to admit")
	}
}
