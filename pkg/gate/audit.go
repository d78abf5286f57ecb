package gate

import "log/slog"

// NewLogListener returns a DecisionListener that writes every
// decision to the given logger: allows at Info, blocks at Warn.
// A nil logger falls back to slog.Default().
func NewLogListener(logger *slog.Logger) DecisionListener {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "budgetgate.audit")

	return func(d Decision) {
		if d.Blocked() {
			logger.Warn("spend blocked", "decision", d)
			return
		}
		logger.Info("spend allowed", "decision", d)
	}
}
