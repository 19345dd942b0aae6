// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package widget implements the host side of the Matrix widget API for
// an embedded call application.
//
// The pieces, from the outside in:
//
//   - Descriptor: an immutable description of one widget embedding —
//     who it runs as, which room it targets, and the fully resolved
//     embed URL.
//   - Capabilities: the allow-list of widget API capabilities the host
//     grants a given embedding.
//   - Transport: the raw frame pipe to the embedded application, with
//     websocket and in-memory implementations.
//   - Channel: the request/response messaging layer over one
//     Transport — handshake, correlation, handler dispatch, and
//     capability enforcement.
//   - Gate: the forwarding filter that decides, per inbound timeline
//     event, whether the widget should see it.
//   - TURNRefresher: keeps the widget supplied with fresh TURN
//     credentials.
//
// The call package builds the call-session state machine on top of
// channels from this package.
package widget
