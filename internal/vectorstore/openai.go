package vectorstore

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// storeNameLimit is the provider's cap on vector store names.
const storeNameLimit = 100

// OpenAIProvider implements Provider using the OpenAI vector store API.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a provider backed by the OpenAI API.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// CreateStore creates a vector store, truncating the name to the API limit.
func (p *OpenAIProvider) CreateStore(ctx context.Context, name string) (string, error) {
	if len(name) > storeNameLimit {
		name = name[:storeNameLimit]
	}

	store, err := p.client.VectorStores.New(ctx, openai.VectorStoreNewParams{
		Name: openai.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("create vector store %q: %w", name, err)
	}
	return store.ID, nil
}

// Upload sends the file for assistants use and attaches it to the store.
func (p *OpenAIProvider) Upload(ctx context.Context, storeID, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	file, err := p.client.Files.New(ctx, openai.FileNewParams{
		File:    f,
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}

	if _, err := p.client.VectorStores.Files.New(ctx, storeID, openai.VectorStoreFileNewParams{
		FileID: file.ID,
	}); err != nil {
		return "", fmt.Errorf("attach file %s to store %s: %w", file.ID, storeID, err)
	}

	return file.ID, nil
}
