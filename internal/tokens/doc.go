// Package tokens issues and verifies asymmetrically signed bearer tokens.
//
// # Overview
//
// Each Service instance owns an ECDSA P-256 key pair used to sign compact
// JWT-compatible tokens (ES256). The header carries a "kid" naming the
// verification record persisted at issuance:
//
//	{id, issuer, subject, publicKey, issued, expires}
//
// Verification fetches the record by kid, checks the signature against the
// recorded public key, and checks issuer, subject, and expiry. Because every
// record stores the key that signed its token, rotating the service key does
// not invalidate outstanding tokens.
//
// # Revocation by replacement
//
// At most one record exists per subject. Issuing a new token for a subject
// replaces the previous record, so the older token immediately fails with
// noRecordError everywhere the record store is shared.
//
// # Failure classification
//
// Verify returns *VerifyError with one of three kinds:
//
//   - noRecordError: the kid resolves to no record
//   - invalidRecordError: the record is incomplete or unreadable
//   - invalidTokenError: bad signature, claims, or expiry
//
// Raw parser errors never escape this package.
package tokens
