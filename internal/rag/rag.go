// Package rag defines the retrieval contract the executor consults
// before calling the model. Retrieval is optional and fail-open: the
// executor logs failures and proceeds without context.
package rag

import "context"

// Query is one retrieval request.
type Query struct {
	Text   string
	TopK   int
	Rerank bool
}

// Result is the retrieved context.
type Result struct {
	// Context is the concatenated retrieved text, ready to inject into
	// the system prompt.
	Context string
	// HasDocuments is false when nothing relevant was found.
	HasDocuments bool
}

// Retriever fetches supporting context for a prompt.
type Retriever interface {
	Retrieve(ctx context.Context, query Query) (Result, error)
}

// StaticRetriever returns a fixed corpus hit for any query. It backs
// local runs and tests; production deployments plug in a real pipeline.
type StaticRetriever struct {
	Text string
}

func (r *StaticRetriever) Retrieve(ctx context.Context, query Query) (Result, error) {
	if r.Text == "" {
		return Result{}, nil
	}
	return Result{Context: r.Text, HasDocuments: true}, nil
}
