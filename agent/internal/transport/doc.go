// Package transport delivers chunks to a syslog collector over TCP,
// optionally upgraded to TLS.
//
// Syslog implements output.Writer. It owns a single connection that is
// reused across flushes and replaced only after a write fails or a short
// read before each chunk sees the peer close it. Each event payload is written
// as-is (payloads are already newline-terminated RFC 5424 records) with a
// per-write deadline. A chunk succeeds only if every payload was written.
//
// Failed dials close a redial window: 1s, doubling per failure up to 60s,
// with ±25% jitter. While it is closed Write fails fast with ErrBackoff
// without dialing, so a dead collector costs one dial per window instead
// of one per flush.
//
// TLS verification is on by default. InsecureSkipVerify must be set
// explicitly and is logged at WARN on every dial. Client identities come
// from a PEM cert/key pair or a PKCS#12 bundle.
package transport
