// Locus - Device Location Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/locus

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordNovaRequest(t *testing.T) {
	before := testutil.ToFloat64(NovaRequests.WithLabelValues("nbe_locate", "rate_limited"))

	RecordNovaRequest("nbe_locate", "rate_limited", 20*time.Millisecond)

	after := testutil.ToFloat64(NovaRequests.WithLabelValues("nbe_locate", "rate_limited"))
	if after-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestRecordPollCycleSkippedHasNoDuration(t *testing.T) {
	before := testutil.CollectAndCount(PollCycleDuration)
	beforeSkipped := testutil.ToFloat64(PollCycles.WithLabelValues("skipped"))

	RecordPollCycle("skipped", time.Second)

	if got := testutil.ToFloat64(PollCycles.WithLabelValues("skipped")); got-beforeSkipped != 1 {
		t.Errorf("expected skipped counter to increase by 1, got %v", got-beforeSkipped)
	}
	if after := testutil.CollectAndCount(PollCycleDuration); after != before {
		t.Errorf("histogram series count changed: %d -> %d", before, after)
	}
}

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequests.WithLabelValues("devices", "502"))
	RecordAPIRequest("devices", 502)
	if got := testutil.ToFloat64(APIRequests.WithLabelValues("devices", "502")); got-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", got-before)
	}
}
