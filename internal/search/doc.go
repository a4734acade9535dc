// Package search defines the domain types, error taxonomy, and collaborator
// interfaces shared by the scraping queue, the worker pool, the stores, and
// the HTTP surface.
package search
