package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/jasontalley/pact-sub013/internal/storage"
)

// Store is the subset of storage the cache needs.
type Store interface {
	PutManifest(ctx context.Context, m *storage.ManifestRecord) (*storage.ManifestRecord, error)
	GetManifest(ctx context.Context, manifestID string) (*storage.ManifestRecord, error)
	GetManifestByCommit(ctx context.Context, projectID, commitHash string) (*storage.ManifestRecord, error)
}

// Cache memoises manifests per (project, commit). Stored manifests are
// reused; concurrent misses for the same pair share one build.
type Cache struct {
	store   Store
	builder Builder
	group   singleflight.Group
	logger  *slog.Logger

	// OnBuild, when set, is called after every real build.
	OnBuild func(projectID, commitHash string)
}

// NewCache creates a Cache. A nil logger uses slog.Default().
func NewCache(store Store, builder Builder, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, builder: builder, logger: logger}
}

// Get returns the manifest for src, building it at most once per
// (project, commit). Waiters give up when their own ctx is done without
// cancelling the shared build for others.
func (c *Cache) Get(ctx context.Context, src Source) (*RepoManifest, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	if src.CommitHash != "" {
		if m, err := c.lookup(ctx, src.ProjectID, src.CommitHash); err == nil {
			return WithDelta(m, src), nil
		} else if !errors.Is(err, storage.ErrManifestNotFound) {
			return nil, err
		}
	}

	key := src.ProjectID + "@" + src.CommitHash
	if src.CommitHash == "" {
		// Without a commit the key is only known after building; file map
		// sources still share builds for identical content.
		key = src.ProjectID + "@" + contentHash(src.Files) + "@" + src.Path
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.build(context.WithoutCancel(ctx), src)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return WithDelta(res.Val.(*RepoManifest), src), nil
	}
}

// CheckSource validates src and asks the builder whether it can handle it.
func (c *Cache) CheckSource(src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if sc, ok := c.builder.(SourceChecker); ok {
		return sc.CheckSource(src)
	}
	return nil
}

// Load returns a stored manifest by id.
func (c *Cache) Load(ctx context.Context, manifestID string) (*RepoManifest, error) {
	rec, err := c.store.GetManifest(ctx, manifestID)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

func (c *Cache) lookup(ctx context.Context, projectID, commitHash string) (*RepoManifest, error) {
	rec, err := c.store.GetManifestByCommit(ctx, projectID, commitHash)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

func (c *Cache) build(ctx context.Context, src Source) (*RepoManifest, error) {
	// Another build may have finished between the first lookup and this one.
	if src.CommitHash != "" {
		if m, err := c.lookup(ctx, src.ProjectID, src.CommitHash); err == nil {
			return m, nil
		}
	}

	// Delta inputs belong to the run, not to the commit's manifest.
	bsrc := src
	bsrc.Diff, bsrc.BaseCommit = "", ""
	m, err := c.builder.Build(ctx, bsrc)
	if err != nil {
		return nil, fmt.Errorf("build manifest: %w", err)
	}
	if c.OnBuild != nil {
		c.OnBuild(m.ProjectID, m.CommitHash)
	}

	content, err := Encode(m)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.PutManifest(ctx, &storage.ManifestRecord{
		ProjectID:  m.ProjectID,
		CommitHash: m.CommitHash,
		Status:     StatusComplete,
		Content:    content,
	})
	if err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}
	c.logger.Debug("manifest built", "project_id", rec.ProjectID, "commit", rec.CommitHash, "manifest_id", rec.ManifestID)
	return fromRecord(rec)
}

func fromRecord(rec *storage.ManifestRecord) (*RepoManifest, error) {
	m, err := Decode(rec.Content)
	if err != nil {
		return nil, err
	}
	m.ManifestID = rec.ManifestID
	m.Status = rec.Status
	return m, nil
}

// WithDelta layers the caller's delta inputs over a shared manifest. The
// stored manifest is never modified.
func WithDelta(m *RepoManifest, src Source) *RepoManifest {
	if src.Diff == "" && src.BaseCommit == "" {
		return m
	}
	cp := *m
	if src.Diff != "" {
		cp.Diff = src.Diff
		cp.ChangedFiles = nil
	}
	if src.BaseCommit != "" {
		cp.BaseCommit = src.BaseCommit
	}
	return &cp
}
