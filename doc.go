// Package callkit implements the call-signaling and lifecycle-orchestration
// core of a peer-to-peer audio/video calling toolkit.
//
// The toolkit coordinates the handshake, ringing, answer/reject,
// cancellation, busy and multi-device race resolution, and teardown of a
// call session between participants whose only reliable pre-media channel is
// asynchronous instant messaging. It also keeps a local call alive across
// app foreground/background transitions through explicit platform resource
// grants.
//
// The design follows a few fixed rules:
//   - A single authoritative CallSession per Controller, mutated only under
//     one lock (single-writer discipline).
//   - Inbound signaling is validated against the current session before any
//     transition is applied; stale and duplicate envelopes are dropped.
//   - Every terminal path converges on one idempotent teardown routine that
//     releases timers, platform grants and the per-call directory cache.
//
// The media engine, the messaging transport and the directory tiers are
// external collaborators injected through small interfaces; see the
// signaling, timer, platform, directory and transport subpackages.
package callkit
