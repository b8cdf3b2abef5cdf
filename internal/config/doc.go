// Package config handles configuration loading, parsing, and validation
// from various sources (environment variables, .env files, config files). It
// provides type-safe access to settings needed by the API server, the workers
// and the command line client while keeping configuration details separate
// from business logic.
package config
