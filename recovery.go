package genkv

// recovery.go rebuilds repos from the repo records and generation files in
// the store directory.

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/repo"
)

// foundGeneration is a generation file whose footer was read at open.
type foundGeneration struct {
	path string
	meta generation.Meta
}

// recover scans the directory, removes leftover temp files of unfinished
// writes, recreates every recorded repo and loads every generation into the
// repo named in its footer. A repo with generations but no record, left by
// a crash between the two writes, is adopted as durable and its record is
// written.
func (m *Manager) recover(ctx context.Context) error {
	names, err := m.fs.ListDir(m.dir)
	if err != nil {
		return fmt.Errorf("genkv: list %s: %w", m.dir, err)
	}
	slices.Sort(names)

	var paths []string
	records := make(map[uuid.UUID]repo.Record)
	removed := 0
	for _, name := range names {
		path := filepath.Join(m.dir, name)
		switch {
		case generation.IsTempFileName(name), repo.IsTempRecordName(name):
			if err := m.fs.Remove(path); err != nil {
				return fmt.Errorf("genkv: remove temp file %s: %w", name, err)
			}
			removed++
		default:
			if _, _, ok := generation.ParseFileName(name); ok {
				paths = append(paths, path)
				continue
			}
			id, ok := repo.ParseRecordFileName(name)
			if !ok {
				continue
			}
			rec, err := repo.ReadRecord(m.fs, path)
			if err != nil {
				return fmt.Errorf("genkv: %w", err)
			}
			if rec.ID != id {
				return fmt.Errorf("genkv: %s records repo %s", name, rec.ID)
			}
			records[id] = rec
		}
	}

	found, err := m.readFooters(ctx, paths)
	if err != nil {
		return err
	}

	byRepo := make(map[uuid.UUID][]string)
	var maxGenID uint64
	for _, g := range found {
		byRepo[g.meta.RepoID] = append(byRepo[g.meta.RepoID], g.path)
		maxGenID = max(maxGenID, g.meta.GenID)
	}
	m.genIDs.Store(maxGenID)

	repos := make([]*Repo, 0, max(len(records), len(byRepo)))
	for id, rec := range records {
		r := m.newRepo(id, rec.Kind)
		m.repos[id] = r
		repos = append(repos, r)
	}
	var adopted []*Repo
	for id := range byRepo {
		if _, ok := records[id]; ok {
			continue
		}
		m.log.Warnf(logging.NSManager+"repo %s has generations but no record; adopting it as durable", id)
		r := m.newRepo(id, DurableRepo)
		m.repos[id] = r
		repos = append(repos, r)
		adopted = append(adopted, r)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range repos {
		g.Go(func() error {
			if err := r.r.Load(gctx, byRepo[r.ID()]); err != nil {
				return fmt.Errorf("genkv: load repo %s: %w", r.ID(), err)
			}
			if rec, ok := records[r.ID()]; ok {
				r.r.Restore(rec)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range adopted {
		if err := m.saveRecord(r); err != nil {
			return err
		}
	}

	m.log.Infof(logging.NSManager+"opened %s: %d repos, %d generations, %d temp files removed, next gen %d",
		m.dir, len(repos), len(found), removed, maxGenID+1)
	return nil
}

// readFooters reads and validates the footer of every path. A damaged
// footer fails the open.
func (m *Manager) readFooters(ctx context.Context, paths []string) ([]foundGeneration, error) {
	found := make([]foundGeneration, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.OpenParallelism)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := m.fs.OpenRandomAccess(path)
			if err != nil {
				return fmt.Errorf("genkv: open %s: %w", path, err)
			}
			meta, err := generation.ReadMeta(f, m.opts.BlockSize)
			_ = f.Close()
			if err != nil {
				return fmt.Errorf("genkv: %s: %w", path, err)
			}
			if err := meta.Validate(); err != nil {
				return fmt.Errorf("genkv: %s: %w", path, err)
			}
			found[i] = foundGeneration{path: path, meta: meta}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}
