// Package auth authenticates MCP HTTP clients.
//
// # Token Formats
//
// Two bearer token formats are accepted, usually combined with Chain:
//
//   - JWT: HS256 tokens signed with the configured jwt_secret. The "sub"
//     claim is the principal ID.
//
//   - Exchange credentials: "{apiKey}.{apiSecret}", each part at least ten
//     characters. The API key is the principal ID.
//
// A JWT always has three dot-separated segments and a credential token two,
// so the formats never overlap.
//
// # Middleware
//
//	jwtVerifier, err := auth.NewJWTVerifier(secret)
//	verifier := auth.Chain{jwtVerifier, auth.NewCredentialVerifier(allowedKeys...)}
//	handler = auth.HTTPAuthMiddleware(verifier, logger)(handler)
//
// The gateway guards the metrics endpoint this way when auth is required.
// The MCP transports authenticate inline and attach the principal with
// WithAuth; the tool registry reads it back with FromContext.
package auth
