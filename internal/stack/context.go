package stack

// Context is a resumable execution context: the handoff point a suspended
// stack (or a worker's own stack) blocks on until someone passes it the
// execution token.
//
// A Context holds at most one pending token, so a resume may safely happen
// before the owner reaches its park.
type Context struct {
	ch chan struct{}
}

// NewContext returns a parked context.
func NewContext() *Context {
	return &Context{ch: make(chan struct{}, 1)}
}

// Switch passes the execution token from "from" to "to", and blocks until
// "from" is resumed.
func Switch(from, to *Context) {
	to.ch <- struct{}{}
	<-from.ch
}

// Jump passes the execution token to "to" without parking the caller. It is
// used by a stack whose entry function is about to return.
func Jump(to *Context) {
	to.ch <- struct{}{}
}

// Park blocks until c is resumed.
func (c *Context) Park() {
	<-c.ch
}
