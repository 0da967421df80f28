// Package logging provides structured logging for printgate.
//
// It wraps log/slog so every component logs with the same handler,
// level filter and default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	regLogger := logger.Component("registry")
//	regLogger.Info("device registered", "device", id)
//
// Never log printer access codes or API keys.
package logging
