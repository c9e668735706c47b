// Package api exposes the coordination services over HTTP with JSON
// bodies, plus a websocket push channel for event subscribers.
//
// The adapter is intentionally thin: handlers decode and validate the
// request shape, call a service, and translate the outcome. Error
// classification lives in the services; writeError maps each class onto a
// status code and a uniform envelope so workers can branch on `code`
// without parsing messages. Every response carries the request's
// correlation id.
package api
