/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the
broadcastd service, tracking broadcast dispatch, queue depth, restriction
level transitions, and the diagnostic HTTP surface.

# Features

- Broadcast enqueue/replace/dispatch counters per priority class
- Dispatch latency histograms
- Runnable-reason counters for scheduler decisions
- Restriction level transition and tracker failure counters
- Deferred-action and notification throttling gauges
- HTTP request metrics (latency, throughput, size)

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record custom metrics
	metrics.RecordEnqueue("urgent", false)
	metrics.RecordLevelTransition("adaptive-bucket", "restricted-bucket")

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
