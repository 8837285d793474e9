// Command qark-rules-plugin serves the built-in rule engine over the rules
// plugin protocol so a host can run scanning out of process.
package main

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/qark-armada/internal/infra/rules"
	"github.com/ahrav/qark-armada/internal/infra/rules/plugin"
	"github.com/ahrav/qark-armada/pkg/common/logger"
)

func main() {
	// Stdout carries the plugin handshake; logs go to stderr where the host
	// picks them up.
	log := logger.New(os.Stderr, logger.ParseLevel(os.Getenv("QARK_RULES_LOG_LEVEL")), "qark-rules-plugin", nil)

	engine, err := rules.NewEngine(rules.Config{
		RulesFile: os.Getenv("QARK_RULES_FILE"),
		Secrets:   os.Getenv("QARK_RULES_SECRETS") != "false",
	}, log, noop.NewTracerProvider().Tracer("qark-rules-plugin"))
	if err != nil {
		log.Error(context.Background(), "startup", "err", err)
		os.Exit(1)
	}

	plugin.Serve(engine)
}
