// Command linkpool manages the proxy link pool from the command line.
//
// Commands open the store directly and run one engine pass each: import raw
// links, convert them through the bridge, deduplicate, drive test leases,
// and manage inbounds. `linkpool daemon run` runs the scheduled jobs in the
// foreground; `daemon start`, `stop`, `status`, and `job` control a
// background linkpoold through its pid file and status API.
package main
