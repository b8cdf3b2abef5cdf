// Package scrape fetches recipe pages and keeps the raw HTML on disk for the
// extraction stage.
//
// HTTPFetcher is the primary path. RodFetcher renders the page in a headless
// browser and is used only when the plain fetch fails, through
// FallbackFetcher. ContentStore names files after the SHA-256 of the source
// URL so repeated scrapes of one page overwrite a single file.
package scrape
