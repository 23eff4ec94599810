// Package vectorstore provides the client for the hosted vector-store
// provider files are uploaded into for semantic search.
package vectorstore

import "context"

// Provider is the narrow vector-store surface the upload orchestrator uses.
type Provider interface {
	// CreateStore creates a named vector store and returns its ID.
	CreateStore(ctx context.Context, name string) (string, error)

	// Upload pushes the file at path into the given store and returns
	// the provider-assigned file ID.
	Upload(ctx context.Context, storeID, path string) (string, error)
}
