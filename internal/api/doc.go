// Package api implements the HTTP handlers for video ingestion, processing
// status, version lineage, and the deletion lifecycle.
package api
