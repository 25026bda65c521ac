// Package assertion verifies identity assertions forwarded by a trusted
// front-door gateway.
//
// The gateway authenticates the browser against the identity provider and
// forwards the result as a compact ES256-signed token in a request header,
// alongside a second header that proves the request came through the
// gateway. Verification runs these checks in order, each failing with its own
// code:
//
//   - capability enabled
//   - assertion and gateway-proof headers present
//   - three well-formed segments
//   - alg is ES256
//   - exp not in the past
//   - signing key resolvable for the signer's region and kid
//   - signature valid, fixed-width r||s first and ASN.1 DER second
//   - iss starts with the trusted issuer
//   - email claim present
//
// Issuer matching is a prefix match so providers that append application
// paths to their issuer keep working.
package assertion
