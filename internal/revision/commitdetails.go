package revision

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
)

type hierarchyKey struct {
	op            models.DetailOp
	containerType string
	componentType string
}

type propertyKey struct {
	prop, from, to, objectType string
}

type containerChange struct {
	newIDs, changedIDs, removedIDs []models.ObjectID
}

// changeSet accumulates the commit details and per-container changes of
// one commit.
type changeSet struct {
	containers map[models.ObjectID]*containerChange
	hierarchy  map[hierarchyKey]map[string][]string
	properties map[propertyKey][]string
	propOrder  []propertyKey
	counts     map[models.DetailOp]int
}

func newChangeSet() *changeSet {
	return &changeSet{
		containers: make(map[models.ObjectID]*containerChange),
		hierarchy:  make(map[hierarchyKey]map[string][]string),
		properties: make(map[propertyKey][]string),
		counts:     make(map[models.DetailOp]int),
	}
}

func (c *changeSet) container(oid models.ObjectID) *containerChange {
	cc, ok := c.containers[oid]
	if !ok {
		cc = &containerChange{}
		c.containers[oid] = cc
	}
	return cc
}

func (c *changeSet) component(op models.DetailOp, d *stagedDoc) {
	key := hierarchyKey{op: op, containerType: d.container.Type, componentType: d.mapping.Type}
	components, ok := c.hierarchy[key]
	if !ok {
		components = make(map[string][]string)
		c.hierarchy[key] = components
	}
	components[d.container.ID] = append(components[d.container.ID], d.id)
	c.counts[op]++
}

func (c *changeSet) added(d *stagedDoc) {
	cc := c.container(d.container)
	cc.newIDs = append(cc.newIDs, d.objectID())
	c.component(models.DetailAdd, d)
}

func (c *changeSet) removed(d *stagedDoc) {
	cc := c.container(d.container)
	cc.removedIDs = append(cc.removedIDs, d.objectID())
	c.component(models.DetailRemove, d)
}

func (c *changeSet) changed(d *stagedDoc) error {
	cc := c.container(d.container)
	cc.changedIDs = append(cc.changedIDs, d.objectID())
	c.component(models.DetailChange, d)
	if d.old == nil {
		return nil
	}
	props, err := changedProperties(d.mapping, d.old, d.doc)
	if err != nil {
		return fmt.Errorf("diff %s: %w", d.objectID(), err)
	}
	for _, prop := range props {
		key := propertyKey{
			prop:       prop,
			from:       renderValue(d.old[prop]),
			to:         renderValue(d.doc[prop]),
			objectType: d.mapping.Type,
		}
		if _, ok := c.properties[key]; !ok {
			c.propOrder = append(c.propOrder, key)
		}
		c.properties[key] = append(c.properties[key], d.id)
	}
	return nil
}

func (c *changeSet) count(op models.DetailOp) int {
	return c.counts[op]
}

// details returns property changes first, then the hierarchical changes
// ordered by operation and types.
func (c *changeSet) details() []models.CommitDetail {
	var details []models.CommitDetail
	for _, key := range c.propOrder {
		details = append(details, models.CommitDetail{
			Op:         models.DetailChange,
			Prop:       key.prop,
			From:       key.from,
			To:         key.to,
			ObjectType: key.objectType,
			Objects:    c.properties[key],
		})
	}
	keys := slices.Collect(maps.Keys(c.hierarchy))
	slices.SortFunc(keys, func(a, b hierarchyKey) int {
		for _, pair := range [][2]string{
			{string(a.op), string(b.op)},
			{a.containerType, b.containerType},
			{a.componentType, b.componentType},
		} {
			if pair[0] != pair[1] {
				if pair[0] < pair[1] {
					return -1
				}
				return 1
			}
		}
		return 0
	})
	for _, key := range keys {
		details = append(details, models.CommitDetail{
			Op:            key.op,
			ContainerType: key.containerType,
			ComponentType: key.componentType,
			Components:    c.hierarchy[key],
		})
	}
	return details
}

func (c *changeSet) commitChanges(commit *models.Commit) []*models.CommitChange {
	out := make([]*models.CommitChange, 0, len(c.containers))
	for oid, cc := range c.containers {
		out = append(out, &models.CommitChange{
			CommitID:  commit.ID,
			Branch:    commit.Branch,
			Timestamp: commit.Timestamp,
			Container: oid,
			New:       cc.newIDs,
			Changed:   cc.changedIDs,
			Removed:   cc.removedIDs,
		})
	}
	slices.SortFunc(out, func(a, b *models.CommitChange) int {
		switch ka, kb := a.Key(), b.Key(); {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
	return out
}

// changedProperties lists the tracked top-level properties that differ
// between two versions of a document, sorted.
func changedProperties(mapping Mapping, oldDoc, newDoc index.Document) ([]string, error) {
	patch, err := mergePatch(tracked(mapping, oldDoc), tracked(mapping, newDoc))
	if err != nil {
		return nil, err
	}
	props := slices.Collect(maps.Keys(patch))
	slices.Sort(props)
	return props, nil
}

func tracked(mapping Mapping, doc index.Document) index.Document {
	out := make(index.Document, len(doc))
	for k, v := range doc {
		if mapping.tracks(k) {
			out[k] = v
		}
	}
	return out
}

// mergePatch returns the JSON merge patch turning from into to.
func mergePatch(from, to index.Document) (map[string]any, error) {
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	toJSON, err := json.Marshal(to)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.CreateMergePatch(fromJSON, toJSON)
	if err != nil {
		return nil, fmt.Errorf("create merge patch: %w", err)
	}
	doc, err := index.ParseDocument(patch)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// applyPatch applies a merge patch to doc.
func applyPatch(doc index.Document, patch map[string]any) (index.Document, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(docJSON, patchJSON)
	if err != nil {
		return nil, fmt.Errorf("apply merge patch: %w", err)
	}
	return index.ParseDocument(merged)
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
