// Package gateway pushes progress events to browsers over websockets and
// answers queue-status queries.
//
// The gateway holds a single progress subscription for the whole process and
// fans each event out to every connected client. Every client has a bounded
// send buffer; a client that falls behind is disconnected instead of slowing
// the broadcast down.
package gateway
