package zarr

import (
	"context"
	"encoding/json"
	"fmt"
)

// GroupMeta is the zarr.json document of a group.
type GroupMeta struct {
	ZarrFormat int                        `json:"zarr_format"`
	NodeType   string                     `json:"node_type"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

// Group is an open Zarr v3 group.
type Group struct {
	store Store
	path  string
	meta  GroupMeta
}

// OpenGroup loads the group metadata at path ("" for the root).
func OpenGroup(ctx context.Context, store Store, path string) (*Group, error) {
	data, err := store.Get(ctx, joinKey(path, "zarr.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read group metadata: %w", err)
	}
	var meta GroupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse group metadata: %w", err)
	}
	if meta.ZarrFormat != 3 || meta.NodeType != "group" {
		return nil, fmt.Errorf("not a zarr v3 group (format %d, node type %q)", meta.ZarrFormat, meta.NodeType)
	}
	return &Group{store: store, path: path, meta: meta}, nil
}

// CreateGroup writes group metadata with the given attributes.
func CreateGroup(ctx context.Context, store Store, path string, attrs map[string]interface{}) (*Group, error) {
	meta := GroupMeta{ZarrFormat: 3, NodeType: "group", Attributes: make(map[string]json.RawMessage, len(attrs))}
	for k, v := range attrs {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attribute %s: %w", k, err)
		}
		meta.Attributes[k] = raw
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode group metadata: %w", err)
	}
	if err := store.Set(ctx, joinKey(path, "zarr.json"), data); err != nil {
		return nil, fmt.Errorf("failed to write group metadata: %w", err)
	}
	return &Group{store: store, path: path, meta: meta}, nil
}

// Attribute decodes the named attribute into v. It reports false when the
// attribute is absent.
func (g *Group) Attribute(name string, v interface{}) (bool, error) {
	raw, ok := g.meta.Attributes[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to parse attribute %s: %w", name, err)
	}
	return true, nil
}

// HasAttribute reports whether the group carries the named attribute.
func (g *Group) HasAttribute(name string) bool {
	_, ok := g.meta.Attributes[name]
	return ok
}

// Array opens a child array.
func (g *Group) Array(ctx context.Context, name string) (*Array, error) {
	return OpenArray(ctx, g.store, joinKey(g.path, name))
}

// Store returns the group's store.
func (g *Group) Store() Store { return g.store }
