package geom

// Pool is a free list of scratch vectors. Vectors handed out by Acquire are
// only valid until the next Release; nothing acquired may be kept across
// calls.
type Pool struct {
	free  []*Vector
	taken []*Vector
}

func NewPool(size int) *Pool {
	pool := &Pool{
		free:  make([]*Vector, 0, size),
		taken: make([]*Vector, 0, size),
	}
	for i := 0; i < size; i++ {
		pool.free = append(pool.free, &Vector{})
	}
	return pool
}

// Acquire returns a scratch vector set to v. The pool grows when empty.
func (p *Pool) Acquire(v Vector) *Vector {
	var scratch *Vector
	if n := len(p.free); n > 0 {
		scratch = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		scratch = &Vector{}
	}

	*scratch = v
	p.taken = append(p.taken, scratch)
	return scratch
}

// Release returns every vector acquired since the last Release.
func (p *Pool) Release() {
	for _, scratch := range p.taken {
		*scratch = Vector{}
		p.free = append(p.free, scratch)
	}
	p.taken = p.taken[:0]
}

// InUse reports how many vectors are currently acquired.
func (p *Pool) InUse() int {
	return len(p.taken)
}

func (p *Pool) Available() int {
	return len(p.free)
}
