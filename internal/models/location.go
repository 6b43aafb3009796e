package models

import "errors"

// ErrMessageNotFound is returned by a chat transport when the message (or
// the channel holding it) no longer exists.
var ErrMessageNotFound = errors.New("message not found")

// Location points at a previously published chat message.
type Location struct {
	ChannelID string `json:"channelId"`
	Timestamp string `json:"ts"`
	Layout    string `json:"layout"`
}

// Key is the registry key for the location's layout and channel.
func (l Location) Key() string {
	return LocationKey(l.Layout, l.ChannelID)
}

// LocationKey builds the "<layout>:<channel>" registry key.
func LocationKey(layout, channelID string) string {
	return layout + ":" + channelID
}
