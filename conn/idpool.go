package conn

// idPool hands out correlation ids. It is a LIFO stack that is never empty:
// alloc pops the top, and if that empties the stack it pushes top+1.
// free pushes the id back, so the most recently freed id is the next one issued.
// idPool is not goroutine-safe; Conn guards it with its mutex.
type idPool struct {
	stack []uint64
}

func newIDPool() *idPool {
	return &idPool{stack: []uint64{1}}
}

func (p *idPool) alloc() uint64 {
	top := len(p.stack) - 1
	id := p.stack[top]
	p.stack = p.stack[:top]
	if len(p.stack) == 0 {
		p.stack = append(p.stack, id+1)
	}
	return id
}

func (p *idPool) free(id uint64) {
	p.stack = append(p.stack, id)
}
