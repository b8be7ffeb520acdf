// Package convert moves raw link text through the conversion bridge.
//
// The Importer loads text into the store, splitting lines that hold several
// links into children of a retired parent. The Job converts pending links,
// tags each configuration with a stable outbound tag, and retries invalid
// links after a protocol-specific repair.
package convert
