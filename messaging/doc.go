// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the slice of the Matrix client-server API
// the call-widget bridge depends on.
//
// [Client] holds the homeserver URL and HTTP transport. [DirectSession]
// wraps a Client with an access token for the authenticated operations
// the bridge performs: incremental /sync with long-polling, room
// message pagination, room state reads, timeline/state/to-device event
// sends, and TURN credential retrieval. Sessions are cheap; the bridge
// holds exactly one.
//
// [SyncLoop] runs the /sync stream in the background and maintains the
// host's view of every joined room: membership, the most recent
// timeline event IDs (a bounded window), and a live event feed. The
// widget package's forwarding gate consumes that view through its
// TimelineSource interface, which *SyncLoop satisfies.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, ...) and HTTP status.
// Request URLs are built by string concatenation rather than url.URL
// to avoid double-encoding of path segments that contain URL-encoded
// characters.
package messaging
