// Package auth verifies operator credentials and issues session tokens.
//
// Credentials come from a static admin list (plaintext or bcrypt hashes)
// that can be swapped at runtime. A successful login yields the "admin"
// role and an HS256 JWT that the transport layer may require on mutating
// requests.
package auth
