// Package daemonctl starts, stops, and queries a linkpoold process on behalf
// of the CLI. Process control goes through the pid file written by the
// daemon; queries go through its HTTP status API.
package daemonctl
