// Package logging provides structured JSON logging for ccorch.
//
// [Logger] wraps log/slog with persistent attributes so that every entry
// written while a queue or group runs carries the entity it belongs to:
//
//	logger, err := logging.NewLogger(filepath.Join(dataDir, "logs"), logging.LevelInfo)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	qlog := logger.WithQueue(q.ID).WithComponent("queue-runner")
//	qlog.Info("command completed", "index", idx, "cost_usd", cost)
//
// Entries are one JSON object per line with "time", "level" and "msg" keys
// plus the attributes, which keeps the file greppable and easy to feed into jq.
//
// When [RotationConfig.MaxSizeMB] is positive the file is rotated by a
// [RotatingWriter] once it would exceed that size, keeping up to MaxBackups
// numbered backups (optionally gzip compressed).
//
// Components accept a nil *Logger and substitute [NopLogger].
package logging
