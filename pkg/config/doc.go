// Package config provides application configuration management.
//
// # Overview
//
// Configuration is built in layers: built-in defaults, an optional YAML file
// named by TAKGATE_CONFIG_FILE, then TAKGATE_* environment variables. The
// result is validated before it is returned.
//
// # Configuration Structure
//
// Server settings:
//
//	TAKGATE_HOST="0.0.0.0"
//	TAKGATE_PORT="8080"
//	TAKGATE_LOGIN_RATE_LIMIT="30"   # logins per minute per client IP
//	TAKGATE_TRUSTED_PROXY_HOPS="1"  # proxies appending to X-Forwarded-For
//
// Gateway settings:
//
//	TAKGATE_GATEWAY_ENABLED="true"
//	TAKGATE_GATEWAY_TRUSTED_ISSUER="https://idp.example.com/application/o/tak/"
//	TAKGATE_GATEWAY_TRUSTED_SIGNER="arn:aws:elasticloadbalancing:..."  # required with the AWS key service
//	TAKGATE_GATEWAY_KEY_URL_TEMPLATE="https://public-keys.auth.elb.{authority}.amazonaws.com"
//
// Identity provider and certificate authority:
//
//	TAKGATE_IDP_URL="https://idp.example.com"
//	TAKGATE_IDP_TOKEN="..."
//	TAKGATE_CA_URL="https://tak.example.com:8443"
//	TAKGATE_RENEWAL_THRESHOLD="168h"
//
// Tokens and storage:
//
//	TAKGATE_SIGNING_SECRET="at-least-32-bytes-of-secret-material"
//	TAKGATE_DB_DRIVER="postgres"   # postgres, sqlite3
//	TAKGATE_DB_DSN="postgres://localhost/takgate"
//	TAKGATE_REDIS_URL="redis://localhost:6379"
//
// Observability settings:
//
//	TAKGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	TAKGATE_METRICS_ENABLED="true"
//	TAKGATE_OTEL_ENABLED="true"
//	TAKGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Listening on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// # Related Packages
//
//   - pkg/profile: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
