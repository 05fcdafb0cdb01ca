// Package preflight holds the single-shot checks run right before the service
// process is started: whether the listen address can be bound and whether the
// configured database answers a ping. Nothing here retries; a failed probe
// fails the container start and restart policy belongs to the orchestrator.
package preflight
