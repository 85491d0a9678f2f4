// Package mqtt connects a character to an MQTT broker. Each agent
// subscribes to "<prefix>/<username>/in", answers every message through
// its runtime and publishes the replies to "<prefix>/<username>/out".
//
// Connections are managed by Eclipse Paho v2's [autopaho] package, which
// reconnects in the background. On every (re-)connect the client
// publishes a retained "online" status and re-subscribes; a will message
// flips the status topic to "offline" if the connection drops.
package mqtt
