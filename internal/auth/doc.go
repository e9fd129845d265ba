// Package auth resolves the owner of each API request.
//
// # JWT Tokens
//
// Clients send "Authorization: Bearer <token>". Tokens are HS256 signed with
// auth.jwt_secret and carry the owner ID in the "sub" claim:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("alice", 24*time.Hour)
//
// # Dev Mode
//
// When no secret is configured the middleware trusts the X-Owner-ID header,
// falling back to "local". This is meant for single-user local installs.
//
// # Context
//
// Handlers read the caller with OwnerFromContext. All session storage is
// scoped by that value.
package auth
