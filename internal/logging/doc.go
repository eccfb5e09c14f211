// Package logging provides structured logging for refinery built on Zap.
//
// The Logger wraps zap with context-aware methods that automatically attach
// session correlation fields. Components receive a *Logger by injection and
// derive named children with Named/With.
package logging
