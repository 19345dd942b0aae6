// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// DefaultWidgetType is the widget type tag for an embedded call
// application.
const DefaultWidgetType = "io.element.call"

// clientThemePlaceholder is substituted by the embedding client, not
// the host. It must survive URL resolution verbatim — percent-encoding
// the '$' would break the client-side substitution.
const clientThemePlaceholder = "$org.matrix.msc2873.client_theme"

// widgetIDBytes is how much of the blake3 digest ends up in the widget
// ID. 16 bytes (32 hex characters) is comfortably collision-free for
// the handful of concurrent embeddings a host runs.
const widgetIDBytes = 16

// DescriptorConfig holds the inputs for building a Descriptor.
type DescriptorConfig struct {
	// UserID is the Matrix user the widget acts as. Required.
	UserID ref.UserID
	// DeviceID is the acting device. May be zero.
	DeviceID ref.DeviceID
	// RoomID is the room the widget targets. Required.
	RoomID ref.RoomID
	// BaseURL is the call application's base URL
	// (e.g., "https://call.element.io"). Required.
	BaseURL string
	// WidgetType tags the embedding. Defaults to DefaultWidgetType.
	WidgetType string
	// SkipLobby starts the call immediately instead of showing the
	// device-selection lobby.
	SkipLobby bool
	// ReturnToLobby returns to the lobby after hangup instead of
	// closing.
	ReturnToLobby bool
	// PerParticipantE2EE enables per-participant media encryption.
	PerParticipantE2EE bool
	// Data holds extra entries merged into the descriptor's data bag.
	Data map[string]any
}

// Descriptor describes one widget embedding: who it runs as, which
// room it targets, and the fully resolved embed URL. Descriptors are
// immutable — a different room or URL is a different embedding, with a
// new widget ID and a new Channel.
type Descriptor struct {
	widgetID   ref.WidgetID
	widgetType string
	userID     ref.UserID
	deviceID   ref.DeviceID
	roomID     ref.RoomID
	url        string
	data       map[string]any
}

// NewDescriptor resolves the embed URL from the base URL and embedding
// parameters, derives the widget ID, and assembles the data bag. The
// widget ID is a content hash of (user, device, room, resolved URL):
// the same inputs always produce the same ID, so a reloaded frame
// reattaches under its old identity, while any change of room or URL
// yields a fresh one.
func NewDescriptor(config DescriptorConfig) (*Descriptor, error) {
	if config.UserID.IsZero() {
		return nil, fmt.Errorf("widget: descriptor requires a user ID")
	}
	if config.RoomID.IsZero() {
		return nil, fmt.Errorf("widget: descriptor requires a room ID")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("widget: descriptor requires a base URL")
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("widget: invalid base URL %q: %w", config.BaseURL, err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("widget: base URL %q is not absolute", config.BaseURL)
	}

	widgetType := config.WidgetType
	if widgetType == "" {
		widgetType = DefaultWidgetType
	}

	resolvedURL := resolveEmbedURL(base, config)
	widgetID := deriveWidgetID(config.UserID, config.DeviceID, config.RoomID, resolvedURL)

	data := map[string]any{
		// Per-embedding nonce: distinguishes two live instances that
		// share a widget ID (e.g., primary and backup frames for the
		// same room).
		"instance_id":          uuid.NewString(),
		"skip_lobby":           config.SkipLobby,
		"return_to_lobby":      config.ReturnToLobby,
		"per_participant_e2ee": config.PerParticipantE2EE,
	}
	for key, value := range config.Data {
		data[key] = value
	}

	return &Descriptor{
		widgetID:   widgetID,
		widgetType: widgetType,
		userID:     config.UserID,
		deviceID:   config.DeviceID,
		roomID:     config.RoomID,
		url:        resolvedURL,
		data:       data,
	}, nil
}

// resolveEmbedURL builds the final embed URL: the base URL plus the
// query parameters the call application reads at load. The theme
// parameter is appended outside url.Values so its '$' placeholder
// survives unencoded.
func resolveEmbedURL(base *url.URL, config DescriptorConfig) string {
	query := url.Values{}
	query.Set("widgetId", widgetIDQueryPlaceholder)
	query.Set("embed", "true")
	query.Set("preload", "true")
	query.Set("skipLobby", strconv.FormatBool(config.SkipLobby))
	query.Set("returnToLobby", strconv.FormatBool(config.ReturnToLobby))
	query.Set("perParticipantE2EE", strconv.FormatBool(config.PerParticipantE2EE))
	query.Set("userId", config.UserID.String())
	if !config.DeviceID.IsZero() {
		query.Set("deviceId", config.DeviceID.String())
	}
	query.Set("roomId", config.RoomID.String())
	query.Set("baseUrl", base.String())

	resolved := *base
	resolved.RawQuery = query.Encode() + "&theme=" + clientThemePlaceholder
	return resolved.String()
}

// widgetIDQueryPlaceholder stands in for the widget ID in the URL
// while the ID is being derived from that same URL. The descriptor
// substitutes the real ID afterwards; keeping the placeholder inside
// the hashed text is fine since it is a fixed token.
const widgetIDQueryPlaceholder = "__widget_id__"

// deriveWidgetID hashes the embedding identity into a stable widget ID.
func deriveWidgetID(userID ref.UserID, deviceID ref.DeviceID, roomID ref.RoomID, resolvedURL string) ref.WidgetID {
	hasher := blake3.New()
	for _, part := range []string{userID.String(), deviceID.String(), roomID.String(), resolvedURL} {
		hasher.WriteString(part)
		hasher.WriteString("\x00")
	}
	digest := hasher.Sum(nil)
	id, err := ref.ParseWidgetID(fmt.Sprintf("%x", digest[:widgetIDBytes]))
	if err != nil {
		// Hex output of a fixed-length digest is never empty.
		panic(err)
	}
	return id
}

// WidgetID returns the derived widget identifier.
func (d *Descriptor) WidgetID() ref.WidgetID { return d.widgetID }

// WidgetType returns the widget type tag.
func (d *Descriptor) WidgetType() string { return d.widgetType }

// UserID returns the Matrix user the widget acts as.
func (d *Descriptor) UserID() ref.UserID { return d.userID }

// DeviceID returns the acting device ID. May be zero.
func (d *Descriptor) DeviceID() ref.DeviceID { return d.deviceID }

// RoomID returns the room the widget targets.
func (d *Descriptor) RoomID() ref.RoomID { return d.roomID }

// URL returns the fully resolved embed URL, with the real widget ID
// substituted for its derivation placeholder.
func (d *Descriptor) URL() string {
	return replacePlaceholder(d.url, d.widgetID.String())
}

// Data returns a copy of the descriptor's data bag.
func (d *Descriptor) Data() map[string]any {
	data := make(map[string]any, len(d.data))
	for key, value := range d.data {
		data[key] = value
	}
	return data
}

func replacePlaceholder(resolvedURL, widgetID string) string {
	return strings.Replace(resolvedURL,
		"widgetId="+widgetIDQueryPlaceholder,
		"widgetId="+url.QueryEscape(widgetID),
		1)
}
