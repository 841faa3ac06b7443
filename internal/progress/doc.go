// Package progress turns crawl state into human and machine readable
// progress. It owns the persisted time series (History), the completion
// estimator, the carriage-return status Printer, and the non-blocking Hub that
// fans run events out to sinks such as Prometheus or Postgres.
package progress
