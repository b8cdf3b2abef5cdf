// Package generation defines the boundary between the pipeline and external
// structured-completion services. It owns the recipe response contract: the
// shape every model response must have before anything is persisted, and the
// error taxonomy generators report.
package generation
