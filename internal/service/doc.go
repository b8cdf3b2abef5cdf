// Package service contains the use cases behind the HTTP API: accepting scrape
// and invent requests at the enqueue boundary and reading stored recipes back.
//
// Requests are validated here, synchronously, so malformed input never reaches
// a queue. Accepted work is wrapped in a task envelope, pushed onto the
// matching durable queue, and announced with a "queued" progress event. The
// service never waits for the work itself; clients follow it through progress
// events.
package service
