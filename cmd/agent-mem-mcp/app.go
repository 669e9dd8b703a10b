package main

import (
	"context"

	"agent-mem/internal/backup"
	"agent-mem/internal/config"
	"agent-mem/internal/consolidation"
	"agent-mem/internal/embedcache"
	"agent-mem/internal/embedclient"
	"agent-mem/internal/graph"
	"agent-mem/internal/memory"
	"agent-mem/internal/relstore"
	"agent-mem/internal/vectorstore"
	"agent-mem/internal/watcher"
	"agent-mem/internal/workingctx"
)

// App wires every internal package per SPEC_FULL.md §D: config → stores →
// manager → graph → consolidation → backup, following the teacher's
// NewApp (app.go) composition order.
type App struct {
	Settings      config.Settings
	Vectors       *vectorstore.Store
	Relations     *relstore.Store
	Embedder      *embedclient.Client
	Cache         *embedcache.Cache
	WorkingCtx    *workingctx.Store
	Memory        *memory.Manager
	Graph         *graph.Manager
	Consolidation *consolidation.Engine
	Backup        *backup.Engine
	Watcher       *watcher.Watcher
}

func NewApp(ctx context.Context, settings config.Settings) (*App, error) {
	vectors, err := vectorstore.New(ctx, settings.Storage.DatabaseURL)
	if err != nil {
		return nil, err
	}
	relations := relstore.New(vectors.Pool())

	embedder := embedclient.New(settings.Embedding)
	cache, err := embedcache.Open(settings.Cache.Path, settings.Cache.MaxEntries, settings.Cache.Enabled)
	if err != nil {
		vectors.Close()
		return nil, err
	}

	working := workingctx.NewStore()
	mgr := memory.New(vectors, relations, embedder, cache, working, settings.Chunking, settings.Embedding.Model, settings.Embedding.Dimension)
	graphMgr := graph.New(relations, vectors, settings.Graph.Enabled)
	consolidationEngine := consolidation.New(vectors, relations)
	backupEngine := backup.New(vectors, relations, embedder, settings.Chunking)

	app := &App{
		Settings:      settings,
		Vectors:       vectors,
		Relations:     relations,
		Embedder:      embedder,
		Cache:         cache,
		WorkingCtx:    working,
		Memory:        mgr,
		Graph:         graphMgr,
		Consolidation: consolidationEngine,
		Backup:        backupEngine,
	}

	w, err := watcher.New(mgr, settings.Watcher)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Watcher = w
	return app, nil
}

func (a *App) Close() {
	if a.Watcher != nil {
		a.Watcher.Close()
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.Vectors != nil {
		a.Vectors.Close()
	}
}

func (a *App) EnsureSchema(ctx context.Context) error {
	if err := a.Vectors.EnsureSchema(ctx, a.Settings.Embedding.Dimension); err != nil {
		return err
	}
	return a.Relations.EnsureSchema(ctx)
}
