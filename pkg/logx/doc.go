// Package logx configures crontick's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - Runtime level/output changes without re-plumbing loggers (Service.Apply)
package logx
