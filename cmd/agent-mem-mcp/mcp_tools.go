package main

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"agent-mem/internal/backup"
	"agent-mem/internal/consolidation"
	"agent-mem/internal/graph"
	"agent-mem/internal/memory"
	"agent-mem/internal/relstore"
	"agent-mem/internal/vectorstore"
	"agent-mem/internal/workingctx"
)

// Tool input/output shapes, following the teacher's types.go json+jsonschema
// tag convention (out-of-scope per spec.md §1, kept as the collaborator
// surface per SPEC_FULL.md §B — modelcontextprotocol/go-sdk).

type StoreToolInput struct {
	Content    string         `json:"content" jsonschema:"description=memory content to store"`
	Category   string         `json:"category,omitempty" jsonschema:"description=episodic/semantic/procedural"`
	Tags       []string       `json:"tags,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type StoreToolOutput struct {
	MemoryID string `json:"memory_id"`
}

type RecallToolInput struct {
	Query      string   `json:"query" jsonschema:"description=semantic recall query"`
	Categories []string `json:"categories,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	MinScore   float64  `json:"min_score,omitempty"`
	TextMatch  string   `json:"text_match,omitempty"`
}

type SearchToolInput struct {
	Query      string   `json:"query,omitempty"`
	Categories []string `json:"categories,omitempty"`
	SortBy     string   `json:"sort_by,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

type UpdateToolInput struct {
	MemoryID   string         `json:"memory_id"`
	Category   string         `json:"category"`
	Content    *string        `json:"content,omitempty"`
	Tags       *[]string      `json:"tags,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type DeleteToolInput struct {
	MemoryID string `json:"memory_id"`
}

type SetContextToolInput struct {
	Project string `json:"project,omitempty"`
	Client  string `json:"client,omitempty"`
	File    string `json:"file,omitempty"`
}

type LinkToolInput struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight,omitempty"`
}

type UnlinkToolInput struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type,omitempty"`
}

type RelatedToolInput struct {
	MemoryID string `json:"memory_id"`
	Depth    int    `json:"depth,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type PathToolInput struct {
	From     string `json:"from"`
	To       string `json:"to"`
	MaxDepth int    `json:"max_depth,omitempty"`
}

type SuggestToolInput struct {
	MemoryID      string  `json:"memory_id"`
	Category      string  `json:"category"`
	Limit         int     `json:"limit,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

type RejectToolInput struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

type ConsolidateToolInput struct {
	Category            string  `json:"category"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`
	MinImportance       float64 `json:"min_importance,omitempty"`
	MaxAgeDays          int     `json:"max_age_days,omitempty"`
	DryRun              bool    `json:"dry_run,omitempty"`
}

type ForgetToolInput struct {
	Category      string  `json:"category"`
	MaxAgeDays    int     `json:"max_age_days,omitempty"`
	MinImportance float64 `json:"min_importance,omitempty"`
	DryRun        bool    `json:"dry_run,omitempty"`
}

type DecayToolInput struct {
	Category     string  `json:"category"`
	HalfLifeDays float64 `json:"half_life_days,omitempty"`
	DryRun       bool    `json:"dry_run,omitempty"`
}

type BackupExportToolInput struct {
	Path           string `json:"path" jsonschema:"description=file to write the backup document to"`
	IncludeVectors bool   `json:"include_vectors,omitempty"`
}

type BackupImportToolInput struct {
	Path         string `json:"path" jsonschema:"description=backup document to restore from"`
	SkipExisting bool   `json:"skip_existing,omitempty"`
}

func buildServer(app *App) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: app.Settings.MCP.Name, Version: app.Settings.MCP.Version}, &mcp.ServerOptions{
		Instructions: "Persistent memory engine: store/recall/search/update/delete, plus link/related/path/suggest for the relation graph.",
	})

	mcp.AddTool(server, &mcp.Tool{Name: "memory.store", Description: "Store a new memory"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in StoreToolInput) (*mcp.CallToolResult, StoreToolOutput, error) {
			memoryID, err := app.Memory.Store(ctx, memory.StoreInput{
				Content: in.Content, Category: vectorstore.Category(in.Category),
				Tags: in.Tags, Importance: in.Importance, Metadata: in.Metadata,
			})
			return nil, StoreToolOutput{MemoryID: memoryID}, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "memory.recall", Description: "Recall memories by semantic similarity"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in RecallToolInput) (*mcp.CallToolResult, []memory.Result, error) {
			results, err := app.Memory.Recall(ctx, memory.RecallInput{
				Query: in.Query, Categories: toCategories(in.Categories), Limit: in.Limit,
				MinScore: in.MinScore, TextMatch: in.TextMatch,
			})
			return nil, results, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "memory.search", Description: "Search memories, optionally without a query"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in SearchToolInput) (*mcp.CallToolResult, []memory.Result, error) {
			results, err := app.Memory.Search(ctx, memory.SearchInput{
				Query: in.Query, Categories: toCategories(in.Categories), SortBy: memory.SortBy(in.SortBy), Limit: in.Limit,
			})
			return nil, results, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "memory.update", Description: "Update a memory's content or payload"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in UpdateToolInput) (*mcp.CallToolResult, struct{}, error) {
			err := app.Memory.Update(ctx, vectorstore.Category(in.Category), in.MemoryID, memory.UpdateInput{
				Content: in.Content, Tags: in.Tags, Importance: in.Importance, Metadata: in.Metadata,
			})
			return nil, struct{}{}, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "memory.delete", Description: "Delete a memory and its edges"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in DeleteToolInput) (*mcp.CallToolResult, struct{}, error) {
			return nil, struct{}{}, app.Memory.Delete(ctx, in.MemoryID)
		})

	mcp.AddTool(server, &mcp.Tool{Name: "memory.set_context", Description: "Set the working context merged into future stores"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in SetContextToolInput) (*mcp.CallToolResult, struct{}, error) {
			app.Memory.SetContext(workingctx.Context{Project: in.Project, Client: in.Client, File: in.File})
			return nil, struct{}{}, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "memory.clear_context", Description: "Clear the working context"},
		func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, struct{}, error) {
			app.Memory.ClearContext()
			return nil, struct{}{}, nil
		})

	mcp.AddTool(server, &mcp.Tool{Name: "graph.link", Description: "Create a typed edge between two memories"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in LinkToolInput) (*mcp.CallToolResult, relstore.Edge, error) {
			weight := in.Weight
			if weight == 0 {
				weight = 1.0
			}
			edge, err := app.Graph.Link(ctx, in.Source, in.Target, relstore.RelationType(in.Type), weight)
			return nil, edge, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "graph.unlink", Description: "Remove edge(s) between two memories"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in UnlinkToolInput) (*mcp.CallToolResult, struct{}, error) {
			return nil, struct{}{}, app.Graph.Unlink(ctx, in.Source, in.Target, relstore.RelationType(in.Type))
		})

	mcp.AddTool(server, &mcp.Tool{Name: "graph.related", Description: "List memories related by graph edges"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in RelatedToolInput) (*mcp.CallToolResult, []graph.RelatedMemory, error) {
			results, err := app.Graph.Related(ctx, in.MemoryID, in.Depth, nil, in.Limit)
			return nil, results, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "graph.path", Description: "Find the shortest path between two memories"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in PathToolInput) (*mcp.CallToolResult, []relstore.PathStep, error) {
			steps, err := app.Graph.Path(ctx, in.From, in.To, in.MaxDepth)
			return nil, steps, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "graph.suggest", Description: "Suggest candidate relations for a memory"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in SuggestToolInput) (*mcp.CallToolResult, []graph.Suggestion, error) {
			suggestions, err := app.Graph.Suggest(ctx, in.MemoryID, vectorstore.Category(in.Category), in.Limit, in.MinConfidence)
			return nil, suggestions, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "graph.reject", Description: "Reject a suggested relation"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in RejectToolInput) (*mcp.CallToolResult, struct{}, error) {
			return nil, struct{}{}, app.Graph.Reject(ctx, in.Source, in.Target, relstore.RelationType(in.Type))
		})

	mcp.AddTool(server, &mcp.Tool{Name: "maintain.consolidate", Description: "Merge near-duplicate memories in a category"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in ConsolidateToolInput) (*mcp.CallToolResult, consolidation.Report, error) {
			report, err := app.Consolidation.Consolidate(ctx, consolidation.ConsolidateParams{
				Category: vectorstore.Category(in.Category), SimilarityThreshold: in.SimilarityThreshold,
				MinImportance: in.MinImportance, MaxAgeDays: in.MaxAgeDays, DryRun: in.DryRun,
			})
			return nil, report, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "maintain.forget", Description: "Delete old, unimportant, unaccessed, edge-free memories"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in ForgetToolInput) (*mcp.CallToolResult, consolidation.Report, error) {
			report, err := app.Consolidation.Forget(ctx, consolidation.ForgetParams{
				Category: vectorstore.Category(in.Category), MaxAgeDays: in.MaxAgeDays,
				MinImportance: in.MinImportance, DryRun: in.DryRun,
			})
			return nil, report, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "maintain.decay", Description: "Decay importance by half-life for stale memories"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in DecayToolInput) (*mcp.CallToolResult, consolidation.Report, error) {
			report, err := app.Consolidation.Decay(ctx, consolidation.DecayParams{
				Category: vectorstore.Category(in.Category), HalfLifeDays: in.HalfLifeDays, DryRun: in.DryRun,
			})
			return nil, report, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "backup.export", Description: "Export all memories, edges, and rejections to a JSON file"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in BackupExportToolInput) (*mcp.CallToolResult, struct {
			MemoriesExported int `json:"memories_exported"`
			EdgesExported    int `json:"edges_exported"`
		}, error) {
			doc, err := app.Backup.Export(ctx, in.IncludeVectors)
			if err != nil {
				return nil, struct {
					MemoriesExported int `json:"memories_exported"`
					EdgesExported    int `json:"edges_exported"`
				}{}, err
			}
			err = backupWriteToFile(app, doc, in.Path)
			return nil, struct {
				MemoriesExported int `json:"memories_exported"`
				EdgesExported    int `json:"edges_exported"`
			}{MemoriesExported: len(doc.Memories), EdgesExported: len(doc.Edges)}, err
		})

	mcp.AddTool(server, &mcp.Tool{Name: "backup.import", Description: "Restore memories, edges, and rejections from a JSON file"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in BackupImportToolInput) (*mcp.CallToolResult, backup.ImportReport, error) {
			doc, err := backupReadFromFile(app, in.Path)
			if err != nil {
				return nil, backup.ImportReport{}, err
			}
			report, err := app.Backup.Import(ctx, doc, in.SkipExisting)
			return nil, report, err
		})

	return server
}

// backupWriteToFile/backupReadFromFile route through backup.WriteToFile's
// path-traversal guard, scoped to the backup directories the operator
// configured.
func backupWriteToFile(app *App, doc *backup.Document, path string) error {
	return backup.WriteToFile(doc, path, app.Settings.Backup.AllowedDirs)
}

func backupReadFromFile(app *App, path string) (*backup.Document, error) {
	return backup.ReadFromFile(path, app.Settings.Backup.AllowedDirs)
}

func toCategories(values []string) []vectorstore.Category {
	if len(values) == 0 {
		return nil
	}
	out := make([]vectorstore.Category, len(values))
	for i, v := range values {
		out[i] = vectorstore.Category(v)
	}
	return out
}
