// Package openapi aggregates per-component API fragments into one document.
package openapi
