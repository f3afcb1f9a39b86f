// Package logging provides structured logging for graybus.
//
// It wraps log/slog with JSON or text output, level filtering and default
// service and version fields on every entry. A *Logger satisfies the
// transport.Logger interface.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("gateway").Info("listening", "addr", addr)
//
// Never log broker passwords, tokens or JWT secrets.
package logging
