// Package mqtt publishes Habitual's health and daily activity to an
// MQTT broker as Home Assistant discovery sensors, and forwards
// operational events to a topic for anything else that wants them.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor and a birth message ("online") to the availability
// topic. A will message flips availability to "offline" on an
// unexpected disconnect.
package mqtt
