package duplication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/nexusdup/core"
	"github.com/INLOpen/nexusdup/hooks"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicationExists is returned when adding a duplication twice.
	ErrDuplicationExists = errors.New("duplication already exists")
	// ErrDuplicationNotFound is returned for an unknown duplication.
	ErrDuplicationNotFound = errors.New("duplication not found")
)

// Key identifies one duplicator: a duplication of one partition.
type Key struct {
	DupID     core.DupID
	Partition core.PartitionID
}

func (k Key) String() string {
	return fmt.Sprintf("%d@%s", k.DupID, k.Partition)
}

// Report is one duplicator's state as seen by the supervisor.
type Report struct {
	Key           Key
	RemoteAddress string
	View          View
}

// Manager supervises the duplicators of a node. It owns their sinks.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu          sync.RWMutex
	duplicators map[Key]*Duplicator
	sinks       map[Key]BacklogSink
	stopOnce    sync.Once
}

// NewManager creates a manager. opts is the template for every duplicator it
// creates. A listener logging permanent failures is registered on the hook
// manager when one is configured.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		opts:        opts,
		logger:      opts.Logger.With("component", "DuplicationManager"),
		duplicators: make(map[Key]*Duplicator),
		sinks:       make(map[Key]BacklogSink),
	}
	if opts.HookManager != nil {
		opts.HookManager.Register(hooks.EventDuplicationFailed, hooks.ListenerFunc(m.onFailure))
	}
	return m
}

func (m *Manager) onFailure(_ context.Context, event hooks.HookEvent) error {
	p, ok := event.Payload().(hooks.DuplicationFailedPayload)
	if !ok {
		return nil
	}
	m.logger.Error("Duplication needs operator attention", "dup_id", p.DupID, "partition", p.Partition.String(), "remote", p.RemoteAddress, "confirmed_decree", p.ConfirmedDecree, "error", p.Err)
	return nil
}

// Add registers a duplicator for entry over log. It is not started.
func (m *Manager) Add(entry core.DuplicationEntry, log LogSource, sink BacklogSink) (*Duplicator, error) {
	key := Key{DupID: entry.DupID, Partition: log.Partition()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.duplicators[key]; exists {
		return nil, fmt.Errorf("%s: %w", key, ErrDuplicationExists)
	}
	d := New(entry, log, sink, m.opts)
	m.duplicators[key] = d
	m.sinks[key] = sink
	m.logger.Info("Duplication added", "key", key.String(), "remote", entry.RemoteAddress, "confirmed_decree", entry.ConfirmedDecree)
	return d, nil
}

// Get returns the duplicator registered under key.
func (m *Manager) Get(key Key) (*Duplicator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.duplicators[key]
	return d, ok
}

func (m *Manager) lookup(key Key) (*Duplicator, error) {
	d, ok := m.Get(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrDuplicationNotFound)
	}
	return d, nil
}

// Start starts (or resumes) one duplicator.
func (m *Manager) Start(key Key) error {
	d, err := m.lookup(key)
	if err != nil {
		return err
	}
	return d.Start()
}

// StartAll starts every duplicator whose status is not paused or removed.
// Failures are collected and returned together.
func (m *Manager) StartAll() error {
	var errs []error
	for _, d := range m.snapshot() {
		switch d.View().Status {
		case core.DuplicationPaused, core.DuplicationRemoved:
			continue
		}
		if err := d.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pause pauses one duplicator and waits for its pipeline to stop.
func (m *Manager) Pause(key Key) error {
	d, err := m.lookup(key)
	if err != nil {
		return err
	}
	d.Pause()
	d.WaitAll()
	return nil
}

// Remove stops one duplicator for good, closes its sink and forgets it.
func (m *Manager) Remove(key Key) error {
	m.mu.Lock()
	d, ok := m.duplicators[key]
	sink := m.sinks[key]
	delete(m.duplicators, key)
	delete(m.sinks, key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrDuplicationNotFound)
	}

	d.Remove()
	if m.opts.HookManager != nil {
		_ = m.opts.HookManager.Trigger(context.Background(), hooks.NewPostDuplicationRemoveEvent(hooks.DuplicationRemovePayload{
			DupID:           key.DupID,
			Partition:       key.Partition,
			ConfirmedDecree: d.View().ConfirmedDecree,
		}))
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			return fmt.Errorf("failed to close sink of %s: %w", key, err)
		}
	}
	return nil
}

// Views reports every duplicator, ordered by key.
func (m *Manager) Views() []Report {
	ds := m.snapshot()
	reports := make([]Report, 0, len(ds))
	for _, d := range ds {
		reports = append(reports, Report{
			Key:           Key{DupID: d.ID(), Partition: d.Partition()},
			RemoteAddress: d.RemoteAddress(),
			View:          d.View(),
		})
	}
	return reports
}

// StopAll pauses every duplicator, waits for its pipeline and closes its
// sink. Every close failure is logged; the first one is returned. The manager
// is unusable afterwards.
func (m *Manager) StopAll() error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		sinks := m.sinks
		m.sinks = make(map[Key]BacklogSink)
		m.mu.Unlock()

		var g errgroup.Group
		for _, d := range m.snapshot() {
			key := Key{DupID: d.ID(), Partition: d.Partition()}
			sink := sinks[key]
			g.Go(func() error {
				d.Pause()
				d.WaitAll()
				if sink == nil {
					return nil
				}
				if cerr := sink.Close(); cerr != nil {
					m.logger.Error("Failed to close sink", "key", key.String(), "error", cerr)
					return fmt.Errorf("failed to close sink of %s: %w", key, cerr)
				}
				return nil
			})
		}
		err = g.Wait()
		m.logger.Info("All duplications stopped")
	})
	return err
}

func (m *Manager) snapshot() []*Duplicator {
	m.mu.RLock()
	ds := make([]*Duplicator, 0, len(m.duplicators))
	for _, d := range m.duplicators {
		ds = append(ds, d)
	}
	m.mu.RUnlock()
	sort.Slice(ds, func(i, j int) bool {
		pi, pj := ds[i].Partition(), ds[j].Partition()
		if pi.AppID != pj.AppID {
			return pi.AppID < pj.AppID
		}
		if pi.PartitionIndex != pj.PartitionIndex {
			return pi.PartitionIndex < pj.PartitionIndex
		}
		return ds[i].ID() < ds[j].ID()
	})
	return ds
}
