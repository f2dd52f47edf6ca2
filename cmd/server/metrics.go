package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// handleMetrics writes the Prometheus text exposition format by hand.
func (a *app) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	snap, err := a.host.State(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	m := snap.Metrics
	fmt.Fprintf(rw, "# HELP ecocity_environment_metric Current environment metric value.\n")
	fmt.Fprintf(rw, "# TYPE ecocity_environment_metric gauge\n")
	fmt.Fprintf(rw, "ecocity_environment_metric{metric=%q} %.5f\n", "air_pollution", m.AirPollution)
	fmt.Fprintf(rw, "ecocity_environment_metric{metric=%q} %.5f\n", "carbon_emission", m.CarbonEmission)
	fmt.Fprintf(rw, "ecocity_environment_metric{metric=%q} %.5f\n", "recycling_rate", m.RecyclingRate)
	fmt.Fprintf(rw, "ecocity_environment_metric{metric=%q} %.5f\n", "last_carbon_threshold", m.LastCarbonThreshold)

	st := snap.Stats
	counter(rw, "ecocity_environment_updates_total", "Metric changes fanned out to display sinks.", st.Updates)
	counter(rw, "ecocity_environment_crossings_total", "Carbon threshold crossings.", st.Crossings)
	counter(rw, "ecocity_environment_saves_queued_total", "Snapshots handed to the saver.", st.SavesQueued)
	counter(rw, "ecocity_environment_load_failures_total", "Failed snapshot loads at startup.", st.LoadFailures)

	fmt.Fprintf(rw, "# HELP ecocity_remote_sync_total Remote sync attempts by result.\n")
	fmt.Fprintf(rw, "# TYPE ecocity_remote_sync_total counter\n")
	fmt.Fprintf(rw, "ecocity_remote_sync_total{result=%q} %d\n", "ok", st.SyncOK)
	fmt.Fprintf(rw, "ecocity_remote_sync_total{result=%q} %d\n", "failed", st.SyncFailed)

	gauge(rw, "ecocity_display_sinks", "Registered display sinks.", int64(snap.Sinks))
	gauge(rw, "ecocity_players_active", "Players currently in the space.", int64(a.players.Count()))

	if a.widgets != nil {
		gauge(rw, "ecocity_widget_connections", "Open widget websocket connections.", a.widgets.Active())
		counter(rw, "ecocity_widget_dropped_total", "Frames dropped because a widget fell behind.", a.widgets.Dropped())
	}

	if a.saver != nil {
		saved, failed, superseded := a.saver.Counts()
		fmt.Fprintf(rw, "# HELP ecocity_saver_writes_total Snapshot writes by result.\n")
		fmt.Fprintf(rw, "# TYPE ecocity_saver_writes_total counter\n")
		fmt.Fprintf(rw, "ecocity_saver_writes_total{result=%q} %d\n", "ok", saved)
		fmt.Fprintf(rw, "ecocity_saver_writes_total{result=%q} %d\n", "failed", failed)
		fmt.Fprintf(rw, "ecocity_saver_writes_total{result=%q} %d\n", "superseded", superseded)
	}

	writeIndexMetrics(rw, a.idx)
}

func writeIndexMetrics(rw io.Writer, idx runtimeIndex) {
	if idx == nil {
		return
	}
	s := idx.Stats()
	gauge(rw, "ecocity_index_queue_depth", "Current sqlite index queue depth.", int64(s.QueueDepth))
	gauge(rw, "ecocity_index_queue_capacity", "Sqlite index queue capacity.", int64(s.QueueCapacity))
	fmt.Fprintf(rw, "# HELP ecocity_index_dropped_total Index rows dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE ecocity_index_dropped_total counter\n")
	fmt.Fprintf(rw, "ecocity_index_dropped_total{table=%q} %d\n", "metrics_saves", s.DropSaveTotal)
	fmt.Fprintf(rw, "ecocity_index_dropped_total{table=%q} %d\n", "threshold_crossings", s.DropCrossingTotal)
}

func counter(rw io.Writer, name, help string, v uint64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s counter\n", name)
	fmt.Fprintf(rw, "%s %d\n", name, v)
}

func gauge(rw io.Writer, name, help string, v int64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
	fmt.Fprintf(rw, "%s %d\n", name, v)
}
