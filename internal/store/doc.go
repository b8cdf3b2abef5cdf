// Package store defines the persistence contract the pipeline workers consume
// to save and look up recipes, together with the errors every store
// implementation reports. Implementations live under internal/platform.
package store
