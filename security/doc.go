// Package security provides the cross-cutting security plumbing for the
// gateway: token generation, request id propagation, per-identifier rate
// limiting, credential encryption at rest, audit logging, and response
// header hardening.
package security
