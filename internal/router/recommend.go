package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/nugget/ctf-agent/internal/capability"
	"github.com/nugget/ctf-agent/internal/embeddings"
)

// Recommend returns every non-searchable capability plus the topK
// searchable ones most similar to query. Searchable capabilities with
// no cached embedding follow at the end. When query cannot be embedded
// nothing is filtered out.
func (r *Router) Recommend(ctx context.Context, query string, topK int) []capability.Descriptor {
	return r.recommend(ctx, query, topK, r.registry.ListAll())
}

func (r *Router) recommend(ctx context.Context, query string, topK int, descs []capability.Descriptor) []capability.Descriptor {
	var fixed, indexed, unindexed []capability.Descriptor
	for _, d := range descs {
		switch {
		case !d.Searchable:
			fixed = append(fixed, d)
		case len(d.Embedding) > 0:
			indexed = append(indexed, d)
		default:
			unindexed = append(unindexed, d)
		}
	}

	out := append([]capability.Descriptor(nil), fixed...)
	if len(indexed) == 0 {
		return append(out, unindexed...)
	}

	if r.embedder == nil {
		return append(append(out, indexed...), unindexed...)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	qvec, err := r.embedder.Generate(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, skipping recommendation", "error", err)
		return append(append(out, indexed...), unindexed...)
	}

	vectors := make([][]float32, len(indexed))
	for i, d := range indexed {
		vectors[i] = d.Embedding
	}
	for _, i := range embeddings.TopK(qvec, vectors, topK) {
		out = append(out, indexed[i])
	}
	return append(out, unindexed...)
}

// IndexEmbeddings embeds every searchable capability that has no cached
// vector. Failures are logged and counted; the capability stays
// unindexed.
func (r *Router) IndexEmbeddings(ctx context.Context) (int, error) {
	if r.embedder == nil {
		return 0, nil
	}
	var pending []capability.Descriptor
	for _, d := range r.registry.ListAll() {
		if d.Searchable && len(d.Embedding) == 0 {
			pending = append(pending, d)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })

	indexed, failed := 0, 0
	for _, d := range pending {
		vec, err := r.embedder.Generate(ctx, d.Name+": "+d.Description)
		if err != nil {
			failed++
			r.logger.Debug("capability embedding failed", "name", d.Name, "error", err)
			continue
		}
		if err := r.registry.SetEmbedding(d.Name, vec); err != nil {
			failed++
			continue
		}
		indexed++
	}
	if failed > 0 {
		return indexed, fmt.Errorf("%d of %d capabilities could not be embedded", failed, len(pending))
	}
	if indexed > 0 {
		r.logger.Info("capabilities indexed", "count", indexed)
	}
	return indexed, nil
}
