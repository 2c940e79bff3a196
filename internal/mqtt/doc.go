// Package mqtt connects the plug to its controller ecosystem over an
// MQTT broker. The plug appears as a native device with availability
// tracking, a relay switch, identify and reset-pairing buttons, a
// firmware update trigger, and diagnostics sensors.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes retained discovery config payloads for each entity, a
// birth message ("online") to the availability topic, the current
// states, and re-subscribes to the command topics. A will message
// ensures the availability topic transitions to "offline" on
// unexpected disconnects.
//
// The bridge is also the pairing surface the lifecycle core operates
// on: stopping it ends controller sessions, and resetting its store
// discards the accessory identity so the plug reappears as a new
// device.
package mqtt
