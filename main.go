package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/middleware"

	"github.com/saporito/orderdeck/internal/alert"
	"github.com/saporito/orderdeck/internal/backend"
	"github.com/saporito/orderdeck/internal/backoffice"
	"github.com/saporito/orderdeck/internal/board"
	"github.com/saporito/orderdeck/internal/stream"
	"github.com/saporito/orderdeck/internal/tracker"
)

const (
	appNamespace = "ORDERDECK"
	appName      = "orderdeck"
	appVersion   = "0.1.0"
)

func main() {
	config, err := aqm.LoadConfig(appNamespace, os.Args[1:])
	if err != nil {
		log.Fatalf("Cannot setup %s(%s): %v", appName, appVersion, err)
	}

	logLevel, _ := config.GetString("log.level")
	logger := aqm.NewLogger(logLevel)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	backendURL, _ := config.GetString("backend.url")
	if backendURL == "" {
		log.Fatalf("Cannot setup %s(%s): backend.url is required", appName, appVersion)
	}

	creds := credentialStore(config)
	client := backend.NewClient(backendURL, creds, logger)

	bus := alert.NewBus(logger)

	var audio *alert.AudioAlert
	if enabled, _ := config.GetString("alerts.audio"); enabled != "false" {
		audio = alert.NewAudioAlert(os.Stdout, logger)
	}

	boardView := board.NewView(client, audio, bus, logger)
	adminView := backoffice.NewView(client, bus, logger)
	trackerView := tracker.NewView(client, bus, logger)

	boardHandler := board.NewHandler(boardView, logger)
	adminHandler := backoffice.NewHandler(adminView, logger)
	trackerHandler := tracker.NewHandler(trackerView, logger)

	lifecycles := []interface{}{boardView, adminView, trackerView}

	// When the backend also publishes lifecycle events to a broker, the
	// views can consume them from JetStream alongside the SSE channel.
	if natsURL, _ := config.GetString("nats.url"); natsURL != "" {
		streamName, _ := config.GetString("nats.stream")
		if streamName == "" {
			streamName = "ORDER_EVENTS"
		}
		for name, dispatcher := range map[string]*stream.Dispatcher{
			"board":      boardView.Dispatcher(),
			"backoffice": adminView.Dispatcher(),
			"tracker":    trackerView.Dispatcher(),
		} {
			source := stream.NewNATSSource(stream.NATSSourceConfig{
				URL:          natsURL,
				StreamName:   streamName,
				ConsumerName: appName + "-" + name,
			}, dispatcher, logger)
			lifecycles = append(lifecycles, source)
		}
	}

	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger:      logger,
		DisableCORS: false,
	})

	options := []aqm.Option{
		aqm.WithConfig(config),
		aqm.WithLogger(logger),
		aqm.WithHTTPMiddleware(stack...),
		aqm.WithHTTPServerModules("web.port", boardHandler, adminHandler, trackerHandler),
		aqm.WithLifecycle(lifecycles...),
		aqm.WithHealthChecks(appName),
	}

	ms := aqm.NewMicro(options...)
	logger.Infof("Starting %s(%s)", appName, appVersion)

	if err := ms.Run(ctx); err != nil {
		log.Fatalf("%s(%s) stopped with error: %v", appName, appVersion, err)
	}

	logger.Infof("%s(%s) stopped", appName, appVersion)
}

// credentialStore picks the token source: an inline token takes
// precedence, then a token file, then an empty in-memory store that
// yields auth errors until a token is set.
func credentialStore(config *aqm.Config) backend.CredentialStore {
	if token, _ := config.GetString("backend.token"); token != "" {
		return backend.NewMemoryCredentialStore(token)
	}
	if path, _ := config.GetString("backend.token_file"); path != "" {
		return backend.NewFileCredentialStore(path)
	}
	return backend.NewMemoryCredentialStore("")
}
