package console

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

const (
	// echoOff disables local echo for the rest of the line it prefixes.
	echoOff = "\x10"
	// Interrupt is the console's Ctrl+C.
	Interrupt = "\x03"
)

// Quote renders s as a JavaScript string literal.
func Quote(s string) string {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	// encoding a string cannot fail
	_ = enc.Encode(s)
	return strings.TrimSuffix(b.String(), "\n")
}

// harness wraps an expression so the device evaluates it, awaits it if it is a promise,
// and prints exactly one marker line for request id.
func harness(id uint64, expression string) string {
	expr := strings.TrimRightFunc(expression, func(r rune) bool {
		return unicode.IsSpace(r) || r == ';'
	})
	return fmt.Sprintf(echoOff+
		"Promise.resolve().then(function(){try{return global.eval(%s)}catch(e){return Promise.reject(e);}})"+
		".then(r=>print('$R$%d',JSON.stringify(r)))"+
		".catch(e=>print('$E$%d',JSON.stringify({message:e.message,stack:e.stack})))\n",
		Quote(expr), id, id)
}
