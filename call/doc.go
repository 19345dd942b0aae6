// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package call implements the call-session state machine: which
// room's call is active (media flowing) versus merely viewed (visible,
// not joined), which of the two widget frames hosts the active call,
// and how control hands off between them.
//
// The session owns at most two channel bindings — one per physical
// frame — and arbitrates join, hangup, media-toggle, and
// always-on-screen requests between them. Handoff between rooms is
// sequential: the outgoing call's hangup is acknowledged before the
// incoming call is promoted, so two joined calls never overlap.
package call
