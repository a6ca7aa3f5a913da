// Package logging provides structured logging with OpenTelemetry correlation.
//
// Logger wraps Zap with context-aware methods. Correlation fields are
// pulled from the context on every call:
//
//	ctx = logging.WithSessionID(ctx, sess.ID)
//	ctx = logging.WithTask(ctx, phase.Implement, "implement")
//	logger.Info(ctx, "task completed", zap.Int("attempts", 2))
//
// produces
//
//	{"level":"info","msg":"task completed","session.id":"...","phase":"implement","task.id":"implement","attempts":2}
//
// Sensitive keys and token-like values are redacted at the encoder. Errors
// are never sampled; lower levels are sampled per level.
package logging
