// Package echoagent implements a small agent endpoint that speaks the chat
// frame protocol. It backs the fake-agent command and end-to-end tests.
package echoagent
