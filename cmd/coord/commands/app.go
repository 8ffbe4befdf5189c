package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/yirzhou/coord"
	"github.com/yirzhou/coord/config"
	"gopkg.in/yaml.v3"
)

// app holds the components opened by one command invocation. Every accessor
// opens its component on first use against the shared store.
type app struct {
	cfg    config.Config
	output string

	store    *coord.Store
	manager  *coord.QueueManager
	mutex    *coord.MutexService
	cache    *coord.ResultCache
	metadata coord.MetadataStore
}

func (a *app) Store() (*coord.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := coord.NewStore(a.cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) Metadata(ctx context.Context) (coord.MetadataStore, error) {
	if a.metadata != nil {
		return a.metadata, nil
	}
	var (
		store coord.MetadataStore
		err   error
	)
	switch a.cfg.Metadata.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverBedrock:
		store, err = coord.OpenBedrockMetadataStore(a.cfg.Metadata.Path)
	case config.DriverSQLite:
		store, err = coord.OpenSQLiteMetadataStore(ctx, a.cfg.Metadata.Path)
	default:
		err = fmt.Errorf("%w: unknown metadata driver %q", coord.ErrConfig, a.cfg.Metadata.Driver)
	}
	if err != nil {
		return nil, err
	}
	a.metadata = store
	return store, nil
}

func (a *app) Manager(ctx context.Context) (*coord.QueueManager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	meta, err := a.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	var opts []coord.Opt
	if meta != nil {
		opts = append(opts, coord.WithMetadataStore(meta))
	}
	manager, err := coord.NewQueueManager(store, a.cfg.Queues.Names, opts...)
	if err != nil {
		return nil, err
	}
	if err := manager.Initialize(ctx); err != nil {
		return nil, err
	}
	a.manager = manager
	return manager, nil
}

func (a *app) Mutex(ctx context.Context) (*coord.MutexService, error) {
	if a.mutex != nil {
		return a.mutex, nil
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	mutex, err := coord.NewMutexService(ctx, store, coord.WithLockDefaults(a.cfg.LockOptions()))
	if err != nil {
		return nil, err
	}
	a.mutex = mutex
	return mutex, nil
}

func (a *app) Cache(ctx context.Context) (*coord.ResultCache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	cache, err := coord.NewResultCache(ctx, store)
	if err != nil {
		return nil, err
	}
	a.cache = cache
	return cache, nil
}

func (a *app) Retriever(ctx context.Context) (*coord.ResultRetriever, error) {
	manager, err := a.Manager(ctx)
	if err != nil {
		return nil, err
	}
	cache, err := a.Cache(ctx)
	if err != nil {
		return nil, err
	}
	opts := []coord.Opt{coord.WithResultCache(cache, a.cfg.Cache.TTL)}
	if a.metadata != nil {
		opts = append(opts, coord.WithMetadataStore(a.metadata))
	}
	return coord.NewResultRetriever(manager, opts...)
}

// Close closes the manager and the metadata store, then the shared store.
// Closed components are forgotten, so a second call is a no-op.
func (a *app) Close() error {
	var result error
	if a.manager != nil {
		result = errors.Join(result, a.manager.Close())
	}
	if a.metadata != nil {
		result = errors.Join(result, a.metadata.Close())
	}
	if a.store != nil {
		result = errors.Join(result, a.store.Close())
	}
	a.manager, a.metadata, a.store = nil, nil, nil
	a.mutex, a.cache = nil, nil
	return result
}

// print writes v in the selected output format.
func (a *app) print(w io.Writer, v any) error {
	switch a.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q", a.output)
	}
}
