// Package config loads the runtime environment descriptor for bootstrapd from
// a YAML (or JSON) file, overlays BOOTSTRAP_* environment variables and fills
// in the container conventions: application root /app, hidden credential
// directory, listen address 0.0.0.0:8000. The resulting Descriptor is built
// once and treated as read-only by every provisioning step.
package config
