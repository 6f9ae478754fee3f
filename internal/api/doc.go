// Package api implements the HTTP surface for submitting and inspecting
// analysis runs. Handlers translate between JSON requests and the service
// layer; error mapping keeps internal error detail out of responses.
package api
