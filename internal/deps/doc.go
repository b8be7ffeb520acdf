// Package deps reports whether the external programs and directories the
// conversion bridge depends on are present.
package deps
