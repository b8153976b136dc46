package app

import (
	"go.uber.org/fx"

	"github.com/Additional-Code/cellar/internal/cache"
	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/database"
	"github.com/Additional-Code/cellar/internal/fanout"
	"github.com/Additional-Code/cellar/internal/logger"
	"github.com/Additional-Code/cellar/internal/messaging"
	"github.com/Additional-Code/cellar/internal/observability"
	repositoryorder "github.com/Additional-Code/cellar/internal/repository/order"
	grpcserver "github.com/Additional-Code/cellar/internal/server/grpc"
	httpserver "github.com/Additional-Code/cellar/internal/server/http"
	serviceorder "github.com/Additional-Code/cellar/internal/service/order"
	transporthttp "github.com/Additional-Code/cellar/internal/transport/http"
	"github.com/Additional-Code/cellar/internal/worker"
	workerorder "github.com/Additional-Code/cellar/internal/worker/order"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	repositoryorder.Module,
	fanout.Module,
	serviceorder.Module,
)

// HTTP wires the HTTP and gRPC servers on top of the core modules, plus the relay
// that feeds other instances' order events to local websocket subscribers.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	grpcserver.Module,
	transporthttp.Module,
	worker.Module,
	workerorder.RelayModule,
)

// Worker exposes background worker processing. Nothing in it depends on the
// observability manager, so it is invoked to install the providers.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerorder.Module,
	fx.Invoke(func(*observability.Manager) {}),
)

// Module is the default application wiring (HTTP only).
var Module = HTTP
