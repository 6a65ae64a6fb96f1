// Package router is the single coordinator every connection talks to.
//
// Clients send chat and session requests, nodes advertise and execute tools,
// and channel bridges relay messages from external chat surfaces. The router
// keeps the registries for all three, resolves tool names to the node that
// owns them, correlates tool results with the caller that asked for them, and
// fans session events back out.
//
// Each inbound frame is handled to completion before the next frame from the
// same connection is read. Tool results and run events arrive asynchronously
// and are matched up by call id and session key.
package router
