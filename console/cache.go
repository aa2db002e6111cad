package console

// cache memoizes calls for side-effect-free expressions, keyed by exact expression text.
// Entries are pending or successful calls; a failed call is dropped on its next lookup.
type cache map[string]*Call

func (c cache) lookup(expression string) (*Call, bool) {
	call, ok := c[expression]
	if !ok {
		return nil, false
	}
	if call.failed() {
		delete(c, expression)
		return nil, false
	}
	return call, true
}

func (c cache) store(expression string, call *Call) {
	c[expression] = call
}

func (c cache) clear() {
	for k := range c {
		delete(c, k)
	}
}
