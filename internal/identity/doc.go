// Package identity manages operator accounts and their credentials.
//
// An identity pairs a unique name with a function list (coarse permissions)
// and exactly one authentication record. Credentials live behind pluggable
// providers; the built-in password provider salts and HMAC-SHA-512 hashes
// what it stores and compares in constant time. Auth records never appear
// in API responses and are replaced wholesale on credential change.
//
// Successful authentication issues an operator bearer token whose context
// carries the identity's functions; route guards check membership in that
// list. On first start with an empty collection the service bootstraps an
// admin account from the configured initial password.
package identity
