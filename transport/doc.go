/*
Package transport opens the duplex byte stream to a device console.

An address selects the link type:

  - a filesystem path (leading "/") is a serial device, opened raw at a fixed baud rate (115200 by default)
  - a ws:// or wss:// URL is a WebSocket bridge that relays console bytes as binary messages
  - anything else is host[:port] over TCP, port 23 if none is given

Dialers only open links. Connection lifecycle (reconnecting, rebinding readers, clearing caches) belongs to the console client.
*/
package transport
