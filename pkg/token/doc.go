// Package token implements both Rise token families: symmetric HS256
// tokens for the UI and CLI, and asymmetric RS256 tokens that authenticate
// users to their deployed apps. The RS256 public key is published as a JWKS
// document so apps can verify tokens offline.
package token
