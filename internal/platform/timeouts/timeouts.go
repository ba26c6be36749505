// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// TransportRequest caps the time allowed for a single pull or push
// against a guild's remote action endpoint.
const TransportRequest = 10 * time.Second

// NotifyRequest caps the time allowed for delivering one announcement
// webhook.
const NotifyRequest = 5 * time.Second

// Shutdown limits how long a service waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
