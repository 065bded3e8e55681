// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/arbiter/pkg/breaker"
	"github.com/jllopis/arbiter/pkg/drift"
	"github.com/jllopis/arbiter/pkg/recorder"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "arbiter.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenNilDB(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestApplyArmDeltaBootstrapThenIncrement(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	at2 := at1.Add(time.Hour)

	// First observation creates the row from the bootstrap shapes.
	err := st.ApplyArmDelta(ctx, recorder.ArmDelta{
		TenantID: "t1", DomainID: "d1", ModelID: "m1",
		Success: true, BootstrapAlpha: 2, BootstrapBeta: 1, At: at1,
	})
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	arm, found, err := st.GetArm(ctx, "t1", "d1", "m1")
	if err != nil || !found {
		t.Fatalf("get arm: found=%t err=%v", found, err)
	}
	if arm.Alpha != 2 || arm.Beta != 1 {
		t.Errorf("expected bootstrap Beta(2,1), got (%v,%v)", arm.Alpha, arm.Beta)
	}
	if arm.TotalObservations != 1 || arm.SuccessfulObservations != 1 {
		t.Errorf("expected counts (1,1), got (%d,%d)", arm.TotalObservations, arm.SuccessfulObservations)
	}
	if !arm.LastObservationAt.Equal(at1) {
		t.Errorf("expected last observation %v, got %v", at1, arm.LastObservationAt)
	}

	// A later failure increments beta only; bootstrap shapes are ignored
	// once the row exists.
	err = st.ApplyArmDelta(ctx, recorder.ArmDelta{
		TenantID: "t1", DomainID: "d1", ModelID: "m1",
		Success: false, BootstrapAlpha: 1, BootstrapBeta: 2, At: at2,
	})
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	arm, _, err = st.GetArm(ctx, "t1", "d1", "m1")
	if err != nil {
		t.Fatalf("get arm: %v", err)
	}
	if arm.Alpha != 2 || arm.Beta != 2 {
		t.Errorf("expected Beta(2,2) after failure, got (%v,%v)", arm.Alpha, arm.Beta)
	}
	if arm.TotalObservations != 2 || arm.SuccessfulObservations != 1 {
		t.Errorf("expected counts (2,1), got (%d,%d)", arm.TotalObservations, arm.SuccessfulObservations)
	}
	if !arm.LastObservationAt.Equal(at2) {
		t.Errorf("expected last observation %v, got %v", at2, arm.LastObservationAt)
	}
}

func TestGetArmMissing(t *testing.T) {
	st := newTestStore(t)
	_, found, err := st.GetArm(context.Background(), "t1", "d1", "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Errorf("expected missing arm")
	}
}

func TestListArmsScopedAndOrdered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, model := range []string{"m-c", "m-a", "m-b"} {
		err := st.ApplyArmDelta(ctx, recorder.ArmDelta{
			TenantID: "t1", DomainID: "d1", ModelID: model,
			Success: true, BootstrapAlpha: 2, BootstrapBeta: 1, At: at,
		})
		if err != nil {
			t.Fatalf("apply delta: %v", err)
		}
	}
	err := st.ApplyArmDelta(ctx, recorder.ArmDelta{
		TenantID: "t1", DomainID: "other", ModelID: "m-z",
		Success: true, BootstrapAlpha: 2, BootstrapBeta: 1, At: at,
	})
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	arms, err := st.ListArms(ctx, "t1", "d1")
	if err != nil {
		t.Fatalf("list arms: %v", err)
	}
	if len(arms) != 3 {
		t.Fatalf("expected 3 arms, got %d", len(arms))
	}
	for i, want := range []string{"m-a", "m-b", "m-c"} {
		if arms[i].ModelID != want {
			t.Errorf("arm %d: expected %s, got %s", i, want, arms[i].ModelID)
		}
	}
}

func TestConcurrentArmDeltasLoseNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			success := i%2 == 0
			delta := recorder.ArmDelta{
				TenantID: "t1", DomainID: "d1", ModelID: "m1",
				Success: success, At: at,
			}
			if success {
				delta.BootstrapAlpha, delta.BootstrapBeta = 2, 1
			} else {
				delta.BootstrapAlpha, delta.BootstrapBeta = 1, 2
			}
			if err := st.ApplyArmDelta(ctx, delta); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent delta: %v", err)
	}

	arm, found, err := st.GetArm(ctx, "t1", "d1", "m1")
	if err != nil || !found {
		t.Fatalf("get arm: found=%t err=%v", found, err)
	}
	if arm.TotalObservations != workers {
		t.Errorf("lost observations: expected %d, got %d", workers, arm.TotalObservations)
	}
	if arm.SuccessfulObservations != workers/2 {
		t.Errorf("lost successes: expected %d, got %d", workers/2, arm.SuccessfulObservations)
	}
	// Whichever delta created the row contributed alpha+beta = 3; each of
	// the remaining workers-1 contributed exactly 1 to one side.
	if got := arm.Alpha + arm.Beta; got != float64(3+workers-1) {
		t.Errorf("lost evidence: expected alpha+beta %d, got %v", 3+workers-1, got)
	}
}

func TestBreakerTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	_, found, err := st.GetBreaker(ctx, "t1", "m1")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if found {
		t.Fatalf("expected no breaker row yet")
	}

	for i := 0; i < 3; i++ {
		if err := st.RecordFailure(ctx, "t1", "m1", t0); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	snap, _, err := st.GetBreaker(ctx, "t1", "m1")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if snap.State != breaker.StateClosed || snap.FailureCount != 3 {
		t.Fatalf("expected closed with 3 failures, got %s/%d", snap.State, snap.FailureCount)
	}
	if !snap.LastFailureAt.Equal(t0) {
		t.Errorf("expected last failure %v, got %v", t0, snap.LastFailureAt)
	}

	// Below threshold the guard holds the breaker closed.
	tripped, err := st.TripOpen(ctx, "t1", "m1", 5, t0)
	if err != nil {
		t.Fatalf("trip open: %v", err)
	}
	if tripped {
		t.Fatalf("tripped below threshold")
	}

	for i := 0; i < 2; i++ {
		if err := st.RecordFailure(ctx, "t1", "m1", t0); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	tOpen := t0.Add(time.Minute)
	tripped, err = st.TripOpen(ctx, "t1", "m1", 5, tOpen)
	if err != nil {
		t.Fatalf("trip open: %v", err)
	}
	if !tripped {
		t.Fatalf("expected trip at threshold")
	}
	snap, _, _ = st.GetBreaker(ctx, "t1", "m1")
	if snap.State != breaker.StateOpen || !snap.OpenedAt.Equal(tOpen) {
		t.Fatalf("expected open at %v, got %s/%v", tOpen, snap.State, snap.OpenedAt)
	}

	// Already open: the guard rejects a second trip.
	tripped, _ = st.TripOpen(ctx, "t1", "m1", 5, tOpen.Add(time.Second))
	if tripped {
		t.Fatalf("re-tripped an open breaker")
	}

	// The probe is a compare-and-set on the openedAt the caller observed.
	moved, err := st.ProbeHalfOpen(ctx, "t1", "m1", tOpen.Add(time.Second))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if moved {
		t.Fatalf("probe succeeded with stale openedAt")
	}
	moved, err = st.ProbeHalfOpen(ctx, "t1", "m1", tOpen)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !moved {
		t.Fatalf("expected probe to move breaker to half_open")
	}
	snap, _, _ = st.GetBreaker(ctx, "t1", "m1")
	if snap.State != breaker.StateHalfOpen || snap.SuccessCount != 0 {
		t.Fatalf("expected half_open with zero probe budget, got %s/%d", snap.State, snap.SuccessCount)
	}

	if err := st.RecordSuccess(ctx, "t1", "m1", tOpen.Add(time.Minute)); err != nil {
		t.Fatalf("record success: %v", err)
	}
	restored, err := st.Restore(ctx, "t1", "m1")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored {
		t.Fatalf("expected restore from half_open")
	}
	snap, _, _ = st.GetBreaker(ctx, "t1", "m1")
	if snap.State != breaker.StateClosed || snap.FailureCount != 0 {
		t.Fatalf("expected closed with failures reset, got %s/%d", snap.State, snap.FailureCount)
	}

	// Restore only applies to half_open rows.
	restored, _ = st.Restore(ctx, "t1", "m1")
	if restored {
		t.Fatalf("restored a closed breaker")
	}
}

func TestTripOpenSingleWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := st.RecordFailure(ctx, "t1", "m1", at); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tripped, err := st.TripOpen(ctx, "t1", "m1", 5, at)
			if err != nil {
				t.Errorf("trip open: %v", err)
				return
			}
			wins <- tripped
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one trip winner, got %d", winners)
	}
}

func TestUsageWindowBounds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	rows := []recorder.UsageRow{
		{ID: "r3", TenantID: "t1", ModelID: "m1", Metric: "latency_ms", Value: 30, RecordedAt: base.Add(2 * time.Hour)},
		{ID: "r1", TenantID: "t1", ModelID: "m1", Metric: "latency_ms", Value: 10, RecordedAt: base},
		{ID: "r2", TenantID: "t1", ModelID: "m1", Metric: "latency_ms", Value: 20, RecordedAt: base.Add(time.Hour)},
		{ID: "r4", TenantID: "t1", ModelID: "m1", Metric: "tokens", Value: 99, RecordedAt: base},
		{ID: "r5", TenantID: "t2", ModelID: "m9", Metric: "latency_ms", Value: 5, RecordedAt: base.Add(-time.Hour)},
	}
	if err := st.AppendUsage(ctx, rows); err != nil {
		t.Fatalf("append usage: %v", err)
	}

	// The window is inclusive of from and exclusive of to.
	values, err := st.MetricValues(ctx, "t1", "m1", "latency_ms", base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("metric values: %v", err)
	}
	if len(values) != 2 || values[0] != 10 || values[1] != 20 {
		t.Fatalf("expected [10 20], got %v", values)
	}

	pairs, err := st.ActivePairs(ctx, base)
	if err != nil {
		t.Fatalf("active pairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0].TenantID != "t1" || pairs[0].ModelID != "m1" {
		t.Fatalf("expected only (t1,m1) active, got %v", pairs)
	}
	pairs, err = st.ActivePairs(ctx, base.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("active pairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected both pairs, got %v", pairs)
	}
}

func TestSaveResultsPersistsEveryTest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := 0.012
	report := drift.Report{
		ReportID:    "rep-1",
		TenantID:    "t1",
		ModelID:     "m1",
		GeneratedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Metrics: []drift.MetricReport{{
			Metric: "latency_ms",
			Results: []drift.TestResult{
				{TestType: drift.TestKS, DriftDetected: true, TestStatistic: 0.4, PValue: &p, ThresholdUsed: 0.15, ReferenceSamples: 100, ComparisonSamples: 100, Message: "ks"},
				{TestType: drift.TestPSI, DriftDetected: false, TestStatistic: 0.05, ThresholdUsed: 0.25, ReferenceSamples: 100, ComparisonSamples: 100, Message: "psi"},
			},
		}},
	}
	if err := st.SaveResults(ctx, report); err != nil {
		t.Fatalf("save results: %v", err)
	}

	var count int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM `+driftResultTable+` WHERE report_id = ?`, "rep-1").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 result rows, got %d", count)
	}
	var nullP int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM `+driftResultTable+` WHERE report_id = ? AND p_value IS NULL`, "rep-1").Scan(&nullP); err != nil {
		t.Fatalf("count null p: %v", err)
	}
	if nullP != 1 {
		t.Fatalf("expected 1 row without p-value, got %d", nullP)
	}
}

func TestStatsCacheRoundTripAndExpiry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	stats := drift.DistributionStats{
		SampleCount: 3,
		Mean:        2,
		Median:      2,
		Min:         1,
		Max:         3,
		Bins:        []drift.Bin{{Start: 1, End: 3, Count: 3}},
	}
	err := st.PutStats(ctx, "t1", "m1", "latency_ms", from, to, stats, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("put stats: %v", err)
	}

	got, ok, err := st.GetStats(ctx, "t1", "m1", "latency_ms", from, to)
	if err != nil || !ok {
		t.Fatalf("get stats: ok=%t err=%v", ok, err)
	}
	if got.SampleCount != 3 || got.Mean != 2 || len(got.Bins) != 1 {
		t.Fatalf("stats did not round-trip: %+v", got)
	}

	// A different window key is a miss.
	_, ok, err = st.GetStats(ctx, "t1", "m1", "latency_ms", from.Add(time.Hour), to)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for different window")
	}

	// Overwriting with a past expiry hides the entry.
	err = st.PutStats(ctx, "t1", "m1", "latency_ms", from, to, stats, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("put stats: %v", err)
	}
	_, ok, err = st.GetStats(ctx, "t1", "m1", "latency_ms", from, to)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if ok {
		t.Fatalf("expected expired entry to be a miss")
	}
}

func TestTenantConfigRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, found, err := st.TenantConfigRow(ctx, "t1")
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if found {
		t.Fatalf("expected no config row yet")
	}

	blob := []byte(`{"breaker":{"failure_threshold":9}}`)
	if err := st.SetTenantConfig(ctx, "t1", blob); err != nil {
		t.Fatalf("set config: %v", err)
	}
	got, found, err := st.TenantConfigRow(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("row: found=%t err=%v", found, err)
	}
	if string(got) != string(blob) {
		t.Fatalf("expected %s, got %s", blob, got)
	}

	update := []byte(`{"breaker":{"failure_threshold":2}}`)
	if err := st.SetTenantConfig(ctx, "t1", update); err != nil {
		t.Fatalf("set config: %v", err)
	}
	got, _, _ = st.TenantConfigRow(ctx, "t1")
	if string(got) != string(update) {
		t.Fatalf("expected updated row, got %s", got)
	}
}

func TestPing(t *testing.T) {
	st := newTestStore(t)
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestAppendUsageManyRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	rows := make([]recorder.UsageRow, 0, 50)
	for i := 0; i < 50; i++ {
		rows = append(rows, recorder.UsageRow{
			ID: fmt.Sprintf("row-%02d", i), TenantID: "t1", ModelID: "m1",
			Metric: "latency_ms", Value: float64(i), RecordedAt: at.Add(time.Duration(i) * time.Second),
		})
	}
	if err := st.AppendUsage(ctx, rows); err != nil {
		t.Fatalf("append usage: %v", err)
	}
	values, err := st.MetricValues(ctx, "t1", "m1", "latency_ms", at, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("metric values: %v", err)
	}
	if len(values) != 50 {
		t.Fatalf("expected 50 values, got %d", len(values))
	}
}
