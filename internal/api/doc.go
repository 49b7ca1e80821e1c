// Package api exposes the escrow platform over HTTP: workflow sessions,
// escrow operations, trust badges and anomaly review. Handlers depend only on
// the capability interfaces declared in server.go.
package api
