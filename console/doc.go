/*
Package console provides a request/reply client for a JavaScript REPL console, such as the one Espruino exposes over a serial port or a telnet socket. The console has no framing of its own: it is a byte stream of prompts, echoed input, and whatever the running program prints. This package turns it into ordered expression evaluation with typed results.

Each expression is wrapped in a small harness before it is sent. The harness evaluates the expression, waits for it if it returns a promise, and prints one marker line:

	$R$<id> <JSON value>
	$E$<id> {"message":...,"stack":...}

The harness line starts with DLE (0x10) so the console does not echo it back.

The protocol proceeds as follows:

1. The client connects lazily, on the first request, and bootstraps the console: a probe, then process.env, then Ctrl+C retries until the prompt answers.
2. Requests are sent one at a time, in submission order. The next is only sent after the previous one settled and a short settle delay passed.
3. Incoming bytes are buffered until they end in a prompt, then split into lines. Marker lines settle the request in flight; echo lines are dropped; everything else goes to the Output stream.
4. If the link drops, the request in flight fails, and queued requests wait for a new connection.

Replies whose id does not belong to the request in flight, such as a reply that arrives after its request timed out, are discarded.
*/
package console
