package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Drew-Chase/minipx/internal/routetable"
)

// Store owns the on-disk configuration document: loading, validating,
// write-rename persistence, mutation, and route-table snapshot
// publication to subscribers (the listener supervisor, the ACME manager).
//
// All mutation methods take Store's mutex, build the next Document, save
// it, then publish — a "mutate, then save()" pattern. Readers of
// Subscribe's channel never block a writer: sends are non-blocking and
// drop the stale pending snapshot if the channel is full.
type Store struct {
	mu      sync.Mutex
	path    string
	doc     *Document
	version uint64
	subs    []chan *routetable.Snapshot
}

// Load reads and validates the document at path. If path does not exist,
// it writes the embedded default document first via FileExists/
// CreateDefaultConfig and loads that.
func Load(path string) (*Store, error) {
	if !FileExists(path) {
		if err := CreateDefaultConfig(path); err != nil {
			return nil, err
		}
	}

	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return &Store{path: path, doc: doc, version: 1}, nil
}

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IoError{Cause: fmt.Errorf("read config file: %w", err)}
	}

	doc := &Document{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return nil, &SchemaInvalidError{Cause: err}
	}
	if doc.Routes == nil {
		doc.Routes = make(map[string]*RouteEntry)
	}
	return doc, nil
}

// Reload re-reads the file from disk, validates it, and — only if it
// validates — replaces the in-memory document and publishes a new
// snapshot. A reload failure leaves the previous document and snapshot in
// force, per the file-watcher's "logged and not torn down" contract; the
// caller decides whether/how to log the returned error.
func (s *Store) Reload() error {
	doc, err := readDocument(s.path)
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.doc = doc
	s.version++
	snap := s.buildSnapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// Document returns a deep copy of the current in-memory document, safe
// for a caller (e.g. the mutation-interface collaborator) to inspect.
func (s *Store) Document() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// Snapshot returns the route-table snapshot for the document currently
// held by the store, without touching disk.
func (s *Store) Snapshot() *routetable.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildSnapshotLocked()
}

func (s *Store) buildSnapshotLocked() *routetable.Snapshot {
	return routetable.Build(toRoutes(s.doc), s.version)
}

// Subscribe returns a channel that receives the route-table snapshot
// produced by every committed mutation or reload from this point forward.
// The channel is buffered; a slow subscriber sees only the most recent
// snapshot, never blocks the writer.
func (s *Store) Subscribe() <-chan *routetable.Snapshot {
	ch := make(chan *routetable.Snapshot, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) publish(snap *routetable.Snapshot) {
	s.mu.Lock()
	subs := append([]chan *routetable.Snapshot(nil), s.subs...)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// save serializes the current document to a temporary sibling of s.path
// and atomically renames it over the target, so a crash mid-write never
// leaves a torn file (spec's write-rename durability property).
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return &IoError{Cause: fmt.Errorf("marshal config: %w", err)}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".minipx-config-*.tmp")
	if err != nil {
		return &IoError{Cause: fmt.Errorf("create temp config file: %w", err)}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &IoError{Cause: fmt.Errorf("write temp config file: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IoError{Cause: fmt.Errorf("sync temp config file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &IoError{Cause: fmt.Errorf("close temp config file: %w", err)}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return &IoError{Cause: fmt.Errorf("rename config file into place: %w", err)}
	}
	return nil
}

// mutate applies fn to a clone of the current document, validates the
// result, and — only on success — commits it as the new current document,
// saves it to disk, bumps the version, and publishes the resulting
// snapshot to subscribers.
func (s *Store) mutate(fn func(*Document) error) error {
	s.mu.Lock()
	candidate := s.doc.clone()
	if err := fn(candidate); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := candidate.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.doc
	s.doc = candidate
	if err := s.save(); err != nil {
		s.doc = prev
		s.mu.Unlock()
		return err
	}
	s.version++
	snap := s.buildSnapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// AddRoute registers a new route under key, failing if key is already
// taken.
func (s *Store) AddRoute(key string, entry *RouteEntry) error {
	return s.mutate(func(d *Document) error {
		if _, exists := d.Routes[key]; exists {
			return &InvariantViolationError{Reason: fmt.Sprintf("route key %q already exists", key)}
		}
		d.Routes[key] = entry
		return nil
	})
}

// RemoveRoute deletes the route registered under key, if any.
func (s *Store) RemoveRoute(key string) error {
	return s.mutate(func(d *Document) error {
		delete(d.Routes, key)
		return nil
	})
}

// UpdateRoute applies patch to the existing route registered under key.
func (s *Store) UpdateRoute(key string, patch func(*RouteEntry)) error {
	return s.mutate(func(d *Document) error {
		r, ok := d.Routes[key]
		if !ok {
			return &InvariantViolationError{Reason: fmt.Sprintf("route key %q does not exist", key)}
		}
		patch(r)
		return nil
	})
}

// AddSubroute appends a (pathPrefix, port) override to the route
// registered under key.
func (s *Store) AddSubroute(key, pathPrefix string, port int) error {
	return s.mutate(func(d *Document) error {
		r, ok := d.Routes[key]
		if !ok {
			return &InvariantViolationError{Reason: fmt.Sprintf("route key %q does not exist", key)}
		}
		r.Subroutes = append(r.Subroutes, SubrouteEntry{Path: pathPrefix, Port: port})
		return nil
	})
}

// toRoutes flattens a Document into the flat route list routetable.Build
// expects.
func toRoutes(doc *Document) []*routetable.Route {
	out := make([]*routetable.Route, 0, len(doc.Routes))
	for key, r := range doc.Routes {
		route := &routetable.Route{
			Key:             key,
			BackendHost:     r.Host,
			BackendPath:     r.Path,
			BackendPort:     r.Port,
			SSLEnabled:      r.SSLEnable,
			RedirectToHTTPS: r.RedirectToHTTPS,
		}
		if r.ListenPort != nil {
			route.ListenPort = *r.ListenPort
		}
		for i, sr := range r.Subroutes {
			route.Subroutes = append(route.Subroutes, routetable.Subroute{
				PathPrefix:  sr.Path,
				BackendPort: sr.Port,
				Order:       i,
			})
		}
		out = append(out, route)
	}
	return out
}
