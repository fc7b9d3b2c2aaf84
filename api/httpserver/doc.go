// Package httpserver provides the shared HTTP server shell for the
// service binaries: router assembly from RouteRegistrars, standard
// middleware, CORS, health and drain endpoints, an optional metrics
// listener, pprof, and graceful shutdown.
//
// Handlers implement RouteRegistrar and are mounted at construction:
//
//	handler := server.New(cfg)
//	srv, err := httpserver.New(httpCfg, handler)
//	srv.RunInBackground()
//	defer srv.Shutdown()
//
// Every server exposes /livez, /readyz, /drain, and /undrain. Drain
// flips readiness off and waits out the configured drain duration so
// load balancers can pull the instance before shutdown.
package httpserver
