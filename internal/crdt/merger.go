// Package crdt isolates the CRDT runtime behind a narrow merge interface.
// The rooms relay CRDT payloads as opaque bytes and never import this
// package; only the compacting workers and tests decode anything.
package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Merger folds a compacted snapshot plus its pending update log into a
// single equivalent snapshot. Replaying snapshot-then-log and loading the
// merged result must render the same logical document.
type Merger interface {
	// Merge applies updates in append order on top of snapshot and returns
	// the re-encoded full state. A nil snapshot starts from an empty
	// document.
	Merge(snapshot []byte, updates [][]byte) ([]byte, error)

	// Text renders the text field stored under the given root key of an
	// encoded state. Returns "" when the field is absent.
	Text(state []byte, field string) (string, error)
}

type automergeMerger struct{}

// NewMerger returns the automerge-backed Merger.
func NewMerger() Merger {
	return automergeMerger{}
}

func (automergeMerger) Merge(snapshot []byte, updates [][]byte) ([]byte, error) {
	doc, err := load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	for i, update := range updates {
		if len(update) == 0 {
			continue
		}
		if err := doc.LoadIncremental(update); err != nil {
			return nil, fmt.Errorf("applying update %d of %d: %w", i+1, len(updates), err)
		}
	}
	return doc.Save(), nil
}

func (automergeMerger) Text(state []byte, field string) (string, error) {
	doc, err := load(state)
	if err != nil {
		return "", fmt.Errorf("loading state: %w", err)
	}
	v, err := doc.Path(field).Get()
	if err != nil {
		return "", fmt.Errorf("reading field %q: %w", field, err)
	}
	switch v.Kind() {
	case automerge.KindText:
		return v.Text().Get()
	case automerge.KindStr:
		return v.Str(), nil
	case automerge.KindVoid:
		return "", nil
	default:
		return "", fmt.Errorf("field %q holds %v, not text", field, v.Kind())
	}
}

func load(snapshot []byte) (*automerge.Doc, error) {
	if len(snapshot) == 0 {
		return automerge.New(), nil
	}
	return automerge.Load(snapshot)
}
