// Package sources provides the seeders, selectors and processors that turn
// the generic crawl engine into a concrete data-source crawler, plus the
// built-in catalog presets.
package sources
