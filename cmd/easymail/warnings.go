package main

import (
	"log/slog"

	"github.com/djlord-it/easy-mail/internal/config"
)

// logConfigWarnings logs operator-relevant risks in an otherwise valid config.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.ReconcileEnabled {
		slog.Warn("easymail: RECONCILE_ENABLED=false; fired emails dropped from the event bus are never re-emitted")
	}
	if !cfg.MetricsEnabled {
		slog.Warn("easymail: METRICS_ENABLED=false; no visibility into sweeps or deliveries")
	}
	if cfg.Executor == "log" {
		slog.Warn("easymail: EXECUTOR=log; emails are logged, not delivered")
	}
	if cfg.Executor == "webhook" && cfg.MailRelaySecret == "" {
		slog.Warn("easymail: MAIL_RELAY_SECRET is empty; relay hand-offs are signed with an empty key")
	}
	if cfg.StoreDriver == "postgres" && !cfg.LeaderElection {
		slog.Info("easymail: LEADER_ELECTION=false; every instance sweeps (claims stay exclusive)")
	}
	if cfg.StoreDriver == "sqlite" {
		slog.Info("easymail: STORE_DRIVER=sqlite; single instance only")
	}
}
