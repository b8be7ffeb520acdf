// Package bridge supervises the persistent process that turns raw link text
// into outbound JSON.
//
// The process speaks a line protocol on stdin and stdout. It prints READY
// once, then answers each request line with a JSON document, null, or an
// ERR:-prefixed code. Stderr is discarded. The supervisor keeps at most one
// process alive and allows one request in flight. A timeout or crash kills
// the process group, and the next call starts over from a freshly written
// script file.
package bridge
