// Package manifest parses dependency manifests in the one-specifier-per-line
// requirements format consumed by pip.
package manifest
