// Package storage provides the namespaced key/value persistence used by the
// invitation registry, the Shamir setup store and the identity directory.
//
// Backends are selected by URI:
//
//   - memory://                                  process memory, lost on restart
//   - file:///var/lib/enrollment-gateway         one file per record
//   - s3://[KEY:SECRET@]bucket/prefix?region=eu-west-1&endpoint=...
//   - vault://vault.example.com:8200/secret/enrollment?token=...&tls=false
//   - redis://[:password@]localhost:6379/0?prefix=enroll
//   - sqlite:///var/lib/enrollment-gateway/state.db
//
// Several URIs combine into a MultiStorageBackend which writes to every
// available backend and reads from the first one holding the record.
//
// Keys are arbitrary strings (emails, tokens). Backends that map keys onto
// paths encode them with unpadded URL-safe base64.
//
// UpstreamError maps backend failures onto the offline and
// connection_refused_by_server wire errors.
package storage
