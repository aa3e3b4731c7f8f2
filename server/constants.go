package server

import "github.com/nedpals/spooltag-agent/buildinfo"

// mDNS service discovery constants
var (
	MDNSServiceType = "_spooltag._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// HTTP API routes
const (
	RouteWebSocket = "/ws"
	RouteAPIPrefix = "/api/v1"
	RouteHealth    = RouteAPIPrefix + "/health"
	RouteStatus    = RouteAPIPrefix + "/status"
	RouteRead      = RouteAPIPrefix + "/read"
	RouteWrite     = RouteAPIPrefix + "/write"
	RouteAuto      = RouteAPIPrefix + "/auto"
	RouteMetrics   = RouteAPIPrefix + "/metrics"
	RouteCACert    = "/ca.pem"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)
