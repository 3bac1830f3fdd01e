// Package mqtt mirrors turn progress events onto an MQTT broker so
// dashboards and home automation can follow what the shopping agent is
// doing without polling the HTTP API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic. A will message moves the availability topic to
// "offline" on unexpected disconnects.
//
// Topic layout under the configured prefix:
//
//	<prefix>/availability
//	<prefix>/events/<source>/<kind>
//	<prefix>/conversations/<conversation_id>/<kind>
package mqtt
