// Package cryptoutils holds the cryptographic helpers of the enrollment
// handshake.
//
// # Short authentication strings
//
// Once greeter and claimer are paired, each side owns an ephemeral X25519 key
// and a random nonce. The shared secret is expanded with HKDF-SHA256 keyed by
// both nonces and the first 40 bits of output are split into two 20-bit
// values, each rendered as four characters of SASAlphabet:
//
//	claimer SAS = bits  0..19
//	greeter SAS = bits 20..39
//
// The side verifying a SAS is given it hidden among decoys drawn from the
// same alphabet (see GenerateSASCandidates).
//
// # Device keys
//
// Device credentials submitted at claimer finalize are stored as argon2id
// hashes (HashKey / VerifyKey).
package cryptoutils
