package model

// Pool accumulates documents for a single bulk operation. It holds the
// caller's objects by reference: identifiers and revisions stamped during
// a sync are visible on the caller's own documents.
type Pool struct {
	docs []*Object
}

func NewPool(docs ...*Object) *Pool {
	p := &Pool{}
	p.Add(docs...)
	return p
}

func (p *Pool) Add(docs ...*Object) *Pool {
	p.docs = append(p.docs, docs...)
	return p
}

func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.docs)
}

func (p *Pool) At(i int) *Object {
	return p.docs[i]
}

// Docs returns the backing slice.
func (p *Pool) Docs() []*Object {
	if p == nil {
		return nil
	}
	return p.docs
}

func (p *Pool) Reset() {
	p.docs = nil
}
