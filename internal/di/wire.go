//go:build wireinject
// +build wireinject

package di

import (
	"MarketSentry/pkg/config"
	"MarketSentry/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideRedisCache,

		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Repositories
		ProvideModelStore,
		ProvideSourceConfigs,
		ProvideRegistry,

		// Detection and alerting
		ProvideNotifier,
		ProvideAlertEngine,
		ProvideMLDetector,
		ProvideDetectionEngine,
		ProvideStreamCollector,

		// Transport
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
