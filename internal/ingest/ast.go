package ingest

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/nilcroak/memoryd/internal/ids"
	"github.com/nilcroak/memoryd/internal/logging"
	"github.com/nilcroak/memoryd/internal/memory"
	"github.com/nilcroak/memoryd/internal/store"
)

// Symbol is one code entity nested inside a module, as produced by an
// external AST parser (tree-sitter or a regex fallback; the parser
// itself is out of scope per §1).
type Symbol struct {
	Name          string
	QualifiedName string
	Kind          string // "Class", "Function", or "Interface"
	LineStart     int
	LineEnd       int
	Inherits      []string // qualified names this symbol extends
	Implements    []string // qualified names this symbol implements
}

// ModuleInput is one source file's parsed structure.
type ModuleInput struct {
	FilePath string
	Body     string
	Imports  []string // module paths this file imports
	Symbols  []Symbol
}

// CodeAdapter ingests parsed source files as Module/Class/Function/
// Interface nodes with their structural edges, per §4.6. Incremental:
// a Module whose current body hash matches its stored body_hash is
// skipped entirely.
type CodeAdapter struct {
	facade *memory.Facade
	store  *store.Store
}

// NewCodeAdapter builds an adapter writing through facade for node
// upserts and directly through store for the DEFINES/IMPORTS/INHERITS/
// IMPLEMENTS/MEMBER_OF edge types the façade doesn't know about.
func NewCodeAdapter(facade *memory.Facade, s *store.Store) *CodeAdapter {
	return &CodeAdapter{facade: facade, store: s}
}

// Run ingests a batch of parsed modules.
func (a *CodeAdapter) Run(ctx context.Context, modules []ModuleInput) (Report, error) {
	report := Report{Parsed: len(modules)}

	for _, mod := range modules {
		changed, err := a.ingestModule(ctx, mod)
		if err != nil {
			logging.IngestWarn("code adapter: failed to ingest %s: %v", mod.FilePath, err)
			report.Skipped++
			continue
		}
		if changed {
			report.Written++
		} else {
			report.Skipped++
		}
	}

	return report, nil
}

func (a *CodeAdapter) ingestModule(ctx context.Context, mod ModuleInput) (bool, error) {
	moduleID := ids.NodeID(mod.FilePath, []string{"Module"})
	bodyHash := hashBody(mod.Body)

	existing, err := a.store.GetNode(moduleID)
	if err != nil {
		return false, fmt.Errorf("failed to look up module %s: %w", mod.FilePath, err)
	}
	if existing != nil {
		if h, ok := existing.Properties["body_hash"]; ok {
			if fmt.Sprintf("%v", h) == bodyHash {
				logging.IngestDebug("code adapter: %s unchanged (body_hash match), skipping", mod.FilePath)
				return false, nil
			}
		}
	}

	_, err = a.facade.AddMemory(ctx, memory.Input{
		NodeID:  moduleID,
		Title:   mod.FilePath,
		Content: mod.Body,
		Labels:  []string{"Module", "Code"},
		Properties: map[string]interface{}{
			"file_path": mod.FilePath,
			"body_hash": bodyHash,
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert module %s: %w", mod.FilePath, err)
	}

	if err := a.wireImports(moduleID, mod.Imports); err != nil {
		return false, err
	}

	symbolIDs := make(map[string]string, len(mod.Symbols))
	for _, sym := range mod.Symbols {
		symID := ids.CodeSymbolID(mod.FilePath, sym.QualifiedName, sym.Kind)
		symbolIDs[sym.QualifiedName] = symID

		_, err := a.facade.AddMemory(ctx, memory.Input{
			NodeID:  symID,
			Title:   sym.QualifiedName,
			Content: "",
			Labels:  []string{sym.Kind, "Code"},
			Properties: map[string]interface{}{
				"file_path":      mod.FilePath,
				"qualified_name": sym.QualifiedName,
				"line_start":     sym.LineStart,
				"line_end":       sym.LineEnd,
			},
		})
		if err != nil {
			return false, fmt.Errorf("failed to upsert symbol %s: %w", sym.QualifiedName, err)
		}

		if err := a.wireEdge(moduleID, symID, "DEFINES"); err != nil {
			return false, err
		}
		// MEMBER_OF points each symbol at its Module; a method is not
		// linked to its enclosing Class.
		if err := a.wireEdge(symID, moduleID, "MEMBER_OF"); err != nil {
			return false, err
		}
	}

	for _, sym := range mod.Symbols {
		symID := symbolIDs[sym.QualifiedName]
		for _, parent := range sym.Inherits {
			if parentID, ok := symbolIDs[parent]; ok {
				if err := a.wireEdge(symID, parentID, "INHERITS"); err != nil {
					return false, err
				}
			}
		}
		for _, iface := range sym.Implements {
			if ifaceID, ok := symbolIDs[iface]; ok {
				if err := a.wireEdge(symID, ifaceID, "IMPLEMENTS"); err != nil {
					return false, err
				}
			}
		}
	}

	return true, nil
}

func (a *CodeAdapter) wireImports(moduleID string, imports []string) error {
	for _, imp := range imports {
		targetID := ids.NodeID(imp, []string{"Module"})
		target, err := a.store.GetNode(targetID)
		if err != nil {
			return fmt.Errorf("failed to look up import target %s: %w", imp, err)
		}
		if target == nil {
			// Not-yet-ingested dependency; skip rather than create a
			// placeholder node for a file outside the ingest batch.
			continue
		}
		if err := a.wireEdge(moduleID, targetID, "IMPORTS"); err != nil {
			return err
		}
	}
	return nil
}

func (a *CodeAdapter) wireEdge(fromID, toID, edgeType string) error {
	defaultWeight := map[string]float64{
		"DEFINES":    0.8,
		"IMPORTS":    0.5,
		"INHERITS":   0.7,
		"IMPLEMENTS": 0.7,
		"MEMBER_OF":  0.8,
	}
	return a.store.WithTx(func(tx *sql.Tx) error {
		return a.store.AddEdge(tx, fromID, toID, edgeType, defaultWeight[edgeType])
	})
}

// hashBody computes the body_hash used for incremental re-ingest, per
// §4.6: md5(file body).
func hashBody(body string) string {
	sum := md5.Sum([]byte(body))
	return hex.EncodeToString(sum[:])
}
