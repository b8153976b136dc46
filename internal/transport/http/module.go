package http

import (
	"go.uber.org/fx"

	fanouttransport "github.com/Additional-Code/cellar/internal/transport/http/fanout"
	ordertransport "github.com/Additional-Code/cellar/internal/transport/http/order"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	fanouttransport.Module,
)
