// Package logx configures chargewatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable, file output JSON-structured, and can forward WARN+ lines to the
// operator chat through the active gateway (min-level + rate limiting).
package logx
