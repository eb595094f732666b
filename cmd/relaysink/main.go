// Command relaysink is a development mail relay. It accepts signed hand-offs
// from the webhook executor, verifies them and records what it received.
package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/djlord-it/easy-mail/internal/logging"
)

func main() {
	addr := pflag.StringP("addr", "a", envOr("ADDR", ":8081"), "listen address")
	secret := pflag.StringP("secret", "s", os.Getenv("MAIL_RELAY_SECRET"), "HMAC secret shared with easymail")
	keep := pflag.Int("keep", 50, "number of recent emails kept for /stats")
	logLevel := pflag.StringP("log", "l", "info", "log level")
	pflag.Parse()

	logging.Setup(os.Stdout, *logLevel, "text")

	if *secret == "" {
		slog.Warn("relaysink: no secret set; signatures are checked against an empty key")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newReceiver(*secret, *keep).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("relaysink: listening", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("relaysink: server error", "err", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
