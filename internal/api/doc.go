// Package api handles incoming HTTP requests, routing, request validation,
// and response formatting. It adapts HTTP to the enqueue and recipe services
// and mounts the progress gateway's websocket endpoint.
//
// Enqueue endpoints answer 202 Accepted as soon as the task is queued; the
// result of the work arrives later as progress events.
package api
