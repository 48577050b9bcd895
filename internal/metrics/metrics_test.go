package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"prebuild_agent_vm_boot_seconds",
		"prebuild_agent_vm_cleanup_seconds",
		"prebuild_agent_active_vms",
		"prebuild_agent_ip_blocks_busy",
		"prebuild_agent_activities_total",
		"prebuild_agent_task_duration_seconds",
		"prebuild_agent_log_chunks_written_total",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}

	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestActivitiesTotalPreInitialized(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var family *dto.MetricFamily
	for _, fam := range families {
		if fam.GetName() == "prebuild_agent_activities_total" {
			family = fam
			break
		}
	}
	if family == nil {
		t.Fatal("activities_total metric family not found")
	}

	wantSeries := len(allActivities) * 2
	if len(family.GetMetric()) < wantSeries {
		t.Errorf("expected at least %d pre-initialized series, got %d", wantSeries, len(family.GetMetric()))
	}
}

func TestActiveVMsGauge(t *testing.T) {
	ActiveVMs.Set(0)
	ActiveVMs.Inc()
	ActiveVMs.Inc()
	ActiveVMs.Dec()

	val := getGaugeValue(t, "prebuild_agent_active_vms")
	if val != 1 {
		t.Errorf("ActiveVMs gauge = %f, want 1", val)
	}
	ActiveVMs.Set(0)
}

func TestIPBlocksBusyGauge(t *testing.T) {
	IPBlocksBusy.Set(3)
	val := getGaugeValue(t, "prebuild_agent_ip_blocks_busy")
	if val != 3 {
		t.Errorf("IPBlocksBusy gauge = %f, want 3", val)
	}
	IPBlocksBusy.Set(0)
}

func TestVMBootDurationObserved(t *testing.T) {
	VMBootDuration.Observe(0.125)

	count := getHistogramCount(t, "prebuild_agent_vm_boot_seconds")
	if count == 0 {
		t.Error("VMBootDuration has no observations")
	}
}

func TestVMCleanupDurationObserved(t *testing.T) {
	VMCleanupDuration.Observe(0.050)

	count := getHistogramCount(t, "prebuild_agent_vm_cleanup_seconds")
	if count == 0 {
		t.Error("VMCleanupDuration has no observations")
	}
}

func TestTaskDurationByStatus(t *testing.T) {
	TaskDuration.WithLabelValues(StatusSuccess).Observe(1.0)
	TaskDuration.WithLabelValues(StatusError).Observe(0.5)
	TaskDuration.WithLabelValues(StatusCancelled).Observe(0.2)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "prebuild_agent_task_duration_seconds" {
			if len(fam.GetMetric()) < 3 {
				t.Errorf("expected at least 3 status series, got %d", len(fam.GetMetric()))
			}
			return
		}
	}
	t.Fatal("task_duration_seconds metric family not found")
}

func getGaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			metrics := fam.GetMetric()
			if len(metrics) > 0 && metrics[0].GetGauge() != nil {
				return metrics[0].GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("gauge %q not found", name)
	return 0
}

func getHistogramCount(t *testing.T, name string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			metrics := fam.GetMetric()
			if len(metrics) > 0 && metrics[0].GetHistogram() != nil {
				return metrics[0].GetHistogram().GetSampleCount()
			}
		}
	}
	t.Fatalf("histogram %q not found", name)
	return 0
}
