// Package security seals node credentials at rest.
//
// A Sealer encrypts with AES-256-GCM under a key derived from the operator's
// credential passphrase (security.credential_key). Sealed strings carry a
// version prefix so the store can tell them from plaintext written before a
// key was configured.
package security
