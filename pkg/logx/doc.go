// Package logx configures sugar's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// The Service variant supports live reconfiguration: loggers handed out by
// it pick up level/sink changes applied through Apply() without being
// re-created.
package logx
