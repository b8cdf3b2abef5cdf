// Package domain contains the core business entities, value objects, and
// domain errors of the recipe pipeline: the recipe artifact produced by the
// workers and the requests users submit to create one. It is independent of
// any specific infrastructure or delivery mechanism.
package domain
