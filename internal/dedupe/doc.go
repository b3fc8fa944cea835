// Package dedupe suppresses duplicate event deliveries. Sync protocols may
// hand the same event to the client more than once; the bridge checks each
// event ID here before dispatching it.
package dedupe
