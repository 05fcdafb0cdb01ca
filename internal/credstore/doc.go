// Package credstore manages the runtime credential directory: an owner-only
// directory created idempotently before the application starts, optionally
// seeded with secrets from the environment, a mounted secrets directory or an
// S3-compatible bucket. Secrets stored with a .age suffix are decrypted with
// an age X25519 identity. Existing files are never overwritten.
package credstore
