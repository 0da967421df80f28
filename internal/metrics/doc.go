// Package metrics exposes the gateway's Prometheus collectors.
//
// Counters and histograms are package-level promauto vectors registered on
// the default registry. Observer adapts them to device.Observer so the
// device package stays free of Prometheus imports. Session counts are not
// tracked incrementally: SessionCollector reads registry stats at scrape
// time.
package metrics
