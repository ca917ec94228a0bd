// Package mqtt mirrors bridge activity onto an MQTT broker so that
// dashboards and home automation can watch a local model's health.
//
// Every bus event is published to <prefix>/events/<kind>. The breaker
// snapshot is published retained to <prefix>/breaker on connect, on every
// breaker transition and on a fixed interval. A retained "online" birth
// message and an "offline" will message on <prefix>/availability track
// the process. Commands sent to <prefix>/control can reset the breaker or
// clear the conversation window.
//
// Connection management uses Eclipse Paho v2's [autopaho] package, which
// reconnects automatically and re-runs the on-connect publishes.
package mqtt
