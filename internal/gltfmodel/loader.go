// Package gltfmodel adapts glTF documents into animator models. Only the
// scene description is read: mesh and morph-target names, animation names and
// the node hierarchy. Geometry buffers are never decoded.
package gltfmodel

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/normanking/visemesync/internal/avatar3d"
	"github.com/qmuntal/gltf"
)

// Node names preferred as the procedural-motion target, in order.
var headNodeNames = []string{"Head", "head", "mixamorig:Head", "Neck", "neck"}

// Load opens a .gltf or .glb file. The model id is the file base name.
func Load(path string) (*avatar3d.StaticModel, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return FromDocument(doc, id)
}

// FromDocument builds a model from a decoded document.
func FromDocument(doc *gltf.Document, id string) (*avatar3d.StaticModel, error) {
	if doc == nil {
		return nil, fmt.Errorf("gltf document is nil")
	}
	if len(doc.Meshes) == 0 && len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("no meshes or nodes in file")
	}

	return avatar3d.NewStaticModel(id, rootNode(doc), meshes(doc), clips(doc)), nil
}

func meshes(doc *gltf.Document) []avatar3d.MeshInfo {
	out := make([]avatar3d.MeshInfo, 0, len(doc.Meshes))
	used := make(map[string]bool, len(doc.Meshes))

	for i, m := range doc.Meshes {
		if m == nil {
			continue
		}
		id := m.Name
		if id == "" || used[id] {
			id = fmt.Sprintf("mesh_%d", i)
		}
		used[id] = true

		out = append(out, avatar3d.MeshInfo{ID: id, MorphTargets: targetNames(m)})
	}
	return out
}

// targetNames reads morph-target names from the mesh extras, falling back to
// positional names for unnamed targets.
func targetNames(m *gltf.Mesh) []string {
	count := 0
	for _, prim := range m.Primitives {
		if prim != nil && len(prim.Targets) > count {
			count = len(prim.Targets)
		}
	}

	var named []interface{}
	if extras, ok := m.Extras.(map[string]interface{}); ok {
		named, _ = extras["targetNames"].([]interface{})
	}
	if len(named) > count {
		count = len(named)
	}

	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("target_%d", i)
		if i < len(named) {
			if s, ok := named[i].(string); ok && s != "" {
				names[i] = s
			}
		}
	}
	return names
}

func clips(doc *gltf.Document) []avatar3d.ClipInfo {
	out := make([]avatar3d.ClipInfo, 0, len(doc.Animations))
	for i, a := range doc.Animations {
		if a == nil {
			continue
		}
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("animation_%d", i)
		}
		out = append(out, avatar3d.ClipInfo{Name: name})
	}
	return out
}

// rootNode picks the head node when one exists, otherwise the first root
// node of the default scene.
func rootNode(doc *gltf.Document) string {
	byName := make(map[string]bool, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n != nil && n.Name != "" {
			byName[n.Name] = true
		}
	}
	for _, name := range headNodeNames {
		if byName[name] {
			return name
		}
	}

	if len(doc.Scenes) == 0 {
		return nodeName(doc, 0)
	}
	scene := 0
	if doc.Scene != nil && int(*doc.Scene) < len(doc.Scenes) {
		scene = int(*doc.Scene)
	}
	if s := doc.Scenes[scene]; s != nil && len(s.Nodes) > 0 {
		return nodeName(doc, int(s.Nodes[0]))
	}
	return nodeName(doc, 0)
}

func nodeName(doc *gltf.Document, i int) string {
	if i < 0 || i >= len(doc.Nodes) || doc.Nodes[i] == nil {
		return ""
	}
	if doc.Nodes[i].Name != "" {
		return doc.Nodes[i].Name
	}
	return fmt.Sprintf("node_%d", i)
}
