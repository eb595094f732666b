package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/djlord-it/easy-mail/internal/config"
)

// captureLogOutput calls logConfigWarnings with the given config and returns
// the captured log output as a string.
func captureLogOutput(t *testing.T, cfg *config.Config) string {
	t.Helper()
	var buf bytes.Buffer
	original := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(original)

	logConfigWarnings(cfg)
	return buf.String()
}

func TestLogConfigWarnings_NoReconciler(t *testing.T) {
	cfg := &config.Config{
		StoreDriver:      "postgres",
		Executor:         "webhook",
		MailRelaySecret:  "s",
		MetricsEnabled:   true,
		ReconcileEnabled: false,
	}
	output := captureLogOutput(t, cfg)

	if !strings.Contains(output, "RECONCILE_ENABLED=false") {
		t.Error("expected no-reconciler warning, got:", output)
	}
	if strings.Contains(output, "METRICS_ENABLED=false") {
		t.Error("did not expect metrics warning when metrics enabled, got:", output)
	}
}

func TestLogConfigWarnings_WithReconciler(t *testing.T) {
	cfg := &config.Config{
		StoreDriver:      "postgres",
		Executor:         "webhook",
		MailRelaySecret:  "s",
		MetricsEnabled:   true,
		ReconcileEnabled: true,
		LeaderElection:   true,
	}
	output := captureLogOutput(t, cfg)

	if output != "" {
		t.Error("expected no warnings, got:", output)
	}
}

func TestLogConfigWarnings_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{
		StoreDriver:      "postgres",
		Executor:         "webhook",
		MailRelaySecret:  "s",
		ReconcileEnabled: true,
		LeaderElection:   true,
	}
	output := captureLogOutput(t, cfg)

	if !strings.Contains(output, "METRICS_ENABLED=false") {
		t.Error("expected metrics warning, got:", output)
	}
}

func TestLogConfigWarnings_LogExecutor(t *testing.T) {
	cfg := &config.Config{
		StoreDriver:      "sqlite",
		Executor:         "log",
		MetricsEnabled:   true,
		ReconcileEnabled: true,
	}
	output := captureLogOutput(t, cfg)

	if !strings.Contains(output, "EXECUTOR=log") {
		t.Error("expected log executor warning, got:", output)
	}
	if !strings.Contains(output, "STORE_DRIVER=sqlite") {
		t.Error("expected sqlite info, got:", output)
	}
	if strings.Contains(output, "LEADER_ELECTION=false") {
		t.Error("did not expect leader election info for sqlite, got:", output)
	}
}

func TestLogConfigWarnings_EmptyRelaySecret(t *testing.T) {
	cfg := &config.Config{
		StoreDriver:      "postgres",
		Executor:         "webhook",
		MetricsEnabled:   true,
		ReconcileEnabled: true,
		LeaderElection:   true,
	}
	output := captureLogOutput(t, cfg)

	if !strings.Contains(output, "MAIL_RELAY_SECRET is empty") {
		t.Error("expected empty secret warning, got:", output)
	}
}

func TestLogConfigWarnings_NoLeaderElection(t *testing.T) {
	cfg := &config.Config{
		StoreDriver:      "postgres",
		Executor:         "amqp",
		MetricsEnabled:   true,
		ReconcileEnabled: true,
	}
	output := captureLogOutput(t, cfg)

	if !strings.Contains(output, "LEADER_ELECTION=false") {
		t.Error("expected leader election info, got:", output)
	}
}
