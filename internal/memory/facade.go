// Package memory is the single write entry point for the graph: every
// adapter and every manual write goes through Facade.AddMemory so
// identity, structural edges, and embeddings stay consistent.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nilcroak/memoryd/internal/embedding"
	"github.com/nilcroak/memoryd/internal/ids"
	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/store"
)

// edgeDefaultWeight gives each structural edge type its §3 default
// weight. Reinforcement (recall, sleep) raises these over time.
var edgeDefaultWeight = map[string]float64{
	"AUTHORED_BY":      0.9,
	"BELONGS_TO":       0.7,
	"REFERENCES":       0.8,
	"INFORMED_BY":      0.7,
	"APPLIES":          0.7,
	"RELATED_TO":       0.6,
	"SAME_SCOPE":       0.6,
	"MODIFIES_SAME":    0.5,
	"BELONGS_TO_THEME": 0.6,
	"CLUSTERED_IN":     0.6,
	"CO_ACCESSED":      0.4,
}

// Input describes one call to AddMemory.
type Input struct {
	Title      string
	Content    string
	Labels     []string
	Properties map[string]interface{}
	Author     string   // if set, an AUTHORED_BY edge is added to a Person node
	References []string // explicit titles to REFERENCES-edge to, resolved best-effort
	NodeID     string   // overrides C1's computed id (sub-symbol code nodes)
}

// Facade composes identity, the store, the embedder, the vector index,
// and the graph into the single add_memory entry point.
type Facade struct {
	store    *store.Store
	embedder embedding.EmbeddingEngine
}

// New builds a memory façade. embedder may be nil; embedding then
// becomes a non-fatal no-op per §4.10 step 4.
func New(s *store.Store, embedder embedding.EmbeddingEngine) *Facade {
	return &Facade{store: s, embedder: embedder}
}

// AddMemory upserts a node, wires its structural edges, and embeds it,
// all within a single transaction for the node/edge half (embedding
// happens after commit since it may be slow and is allowed to fail
// independently, per §4.10 step 4).
func (f *Facade) AddMemory(ctx context.Context, in Input) (string, error) {
	id := in.NodeID
	if id == "" {
		id = ids.NodeID(in.Title, in.Labels)
	}

	err := f.store.WithTx(func(tx *sql.Tx) error {
		if err := f.store.UpsertNode(tx, id, in.Title, in.Content, in.Labels, in.Properties, false); err != nil {
			return fmt.Errorf("failed to upsert node %s: %w", id, err)
		}

		if in.Author != "" {
			personID, err := f.ensurePerson(tx, in.Author)
			if err != nil {
				return err
			}
			if err := f.store.AddEdge(tx, id, personID, "AUTHORED_BY", edgeDefaultWeight["AUTHORED_BY"]); err != nil {
				return err
			}
		}

		if domain, ok := domainFromProperties(in.Properties); ok {
			domainID, err := f.ensureDomain(tx, domain)
			if err != nil {
				return err
			}
			if err := f.store.AddEdge(tx, id, domainID, "BELONGS_TO", edgeDefaultWeight["BELONGS_TO"]); err != nil {
				return err
			}
		}

		for _, refTitle := range in.References {
			target, err := f.store.FindByTitleLabels(refTitle, nil)
			if err != nil {
				return err
			}
			if target == nil {
				logging.IngestWarn("add_memory: reference %q from %s did not resolve, skipping", refTitle, id)
				continue
			}
			if err := f.store.AddEdge(tx, id, target.ID, "REFERENCES", edgeDefaultWeight["REFERENCES"]); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	f.embed(ctx, id, in.Title, in.Content)

	return id, nil
}

// embed generates and upserts an embedding for the node. Failure is
// logged and swallowed per §4.10 step 4: a node without an embedding
// still participates in lexical recall and label/property queries.
func (f *Facade) embed(ctx context.Context, id, title, content string) {
	if f.embedder == nil {
		return
	}
	text := title
	if content != "" {
		text = title + "\n" + content
	}

	vec, err := f.embedder.Embed(ctx, text)
	if err != nil {
		logging.IngestWarn("add_memory: embedding failed for %s, node stored without embedding: %v", id, err)
		return
	}

	if err := f.store.VectorUpsert(id, vec, nil); err != nil {
		logging.IngestWarn("add_memory: vector upsert failed for %s: %v", id, err)
	}
}

// ensurePerson finds or creates a Person node for an author handle.
func (f *Facade) ensurePerson(tx *sql.Tx, author string) (string, error) {
	id := ids.NodeID(author, []string{"Person"})
	if err := f.store.UpsertNode(tx, id, author, "", []string{"Person"}, map[string]interface{}{"author": author}, false); err != nil {
		return "", fmt.Errorf("failed to ensure person %s: %w", author, err)
	}
	return id, nil
}

// ensureDomain finds or creates a Domain-scoped Concept node.
func (f *Facade) ensureDomain(tx *sql.Tx, domain string) (string, error) {
	id := ids.NodeID(domain, []string{"Concept", "Domain"})
	if err := f.store.UpsertNode(tx, id, domain, "", []string{"Concept", "Domain"}, nil, false); err != nil {
		return "", fmt.Errorf("failed to ensure domain %s: %w", domain, err)
	}
	return id, nil
}

// domainFromProperties looks for a "domain" or "scope" property
// implying a Domain node should be linked, per §4.10 step 3.
func domainFromProperties(props map[string]interface{}) (string, bool) {
	if props == nil {
		return "", false
	}
	for _, key := range []string{"domain", "scope"} {
		if v, ok := props[key]; ok {
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s != "" {
				return s, true
			}
		}
	}
	return "", false
}
