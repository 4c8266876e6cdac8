// internal/browser/dom/page.go
package dom

import (
	"context"
	"errors"
	"sync"
)

// ErrRestrictedPage is returned for browser-internal pages that cannot be scripted.
var ErrRestrictedPage = errors.New("page cannot be scripted")

// Page is the document surface the serializer reads and the executor mutates.
type Page interface {
	// Document returns the page's current document.
	Document(ctx context.Context) (*Document, error)
	// Commit applies the document's pending journal to the page.
	Commit(ctx context.Context, doc *Document) error
}

// MemoryPage serves a single in-process document. Mutations are already
// applied to the tree, so Commit only archives the journal.
type MemoryPage struct {
	mu        sync.Mutex
	doc       *Document
	committed []Mutation
}

var _ Page = (*MemoryPage)(nil)

// NewMemoryPage wraps doc.
func NewMemoryPage(doc *Document) *MemoryPage {
	return &MemoryPage{doc: doc}
}

func (p *MemoryPage) Document(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc, nil
}

func (p *MemoryPage) Commit(ctx context.Context, doc *Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = append(p.committed, doc.TakeJournal()...)
	return nil
}

// Committed returns every mutation committed so far.
func (p *MemoryPage) Committed() []Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Mutation, len(p.committed))
	copy(out, p.committed)
	return out
}

// Replace swaps in a new document, as a navigation would.
func (p *MemoryPage) Replace(doc *Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
}
