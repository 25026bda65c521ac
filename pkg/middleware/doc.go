// Package middleware provides HTTP middleware for authentication,
// authorization and login throttling.
//
// # Authentication
//
// AuthMiddleware reads the bearer token (header or ?token=), resolves it to an
// auth.Principal and stores it on the request context:
//
//	authn := middleware.NewAuthMiddleware(authenticator, false)
//	api.Use(authn.Handler)
//
// Every refusal, whatever its cause, is the same 401 body.
//
// # Authorization
//
// Routes declare what they accept:
//
//	admin.Use(middleware.RequireAccess(auth.AccessAdmin))
//	layer.Use(middleware.RequireResource("layerid", auth.ResourceLayer))
//
// RequireAccess answers 403 for user sessions below the required level and for
// resource tokens. RequireResource admits user sessions and resource tokens
// scoped to the route; a resource token for anything else gets the generic
// 401. Denials are written to the audit log. The gateway itself mounts only
// RequireAccess; RequireResource is exported for the routers serving layer,
// data and profile resources behind it.
//
// # Rate limiting
//
// Login routes are throttled per client IP, taken from the right-most
// X-Forwarded-For entries appended by trusted proxies (TrustProxyHops,
// one by default) so a client cannot choose its own key. RateLimiter keeps token buckets
// in process; DistributedRateLimiter shares a fixed window across replicas
// through Redis:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, nil, "")
//	login.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
package middleware
