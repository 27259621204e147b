package tileformat

import (
	"fmt"
	"math"

	"github.com/tidwall/gjson"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/realitymesh/realitymesh/pkg/geometry"
)

// JSONDecoder reads the JSON tile format:
//
//	index: {"srs": "EPSG:32633", "origin": [x, y, z], "children": ["r0.json", ...]}
//	tile:  {"nodes": [{"id": "...", "center": [x, y, z], "radius": r,
//	         "maxDiameter": d, "children": "c.json",
//	         "meshes": [{"indices": [...], "points": [x, y, z, ...],
//	                     "normals": [...], "uvs": [u, v, ...]}]}]}
type JSONDecoder struct{}

var _ Decoder = JSONDecoder{}

func (JSONDecoder) ReadIndex(data []byte) (*Index, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidIndex)
	}
	doc := gjson.ParseBytes(data)

	children := doc.Get("children")
	if !children.IsArray() {
		return nil, fmt.Errorf("%w: missing children array", ErrInvalidIndex)
	}

	idx := &Index{}
	for i, c := range children.Array() {
		if c.Type != gjson.String || c.Str == "" {
			return nil, fmt.Errorf("%w: child %d is not a path", ErrInvalidIndex, i)
		}
		idx.ChildPaths = append(idx.ChildPaths, c.Str)
	}

	idx.Reprojection.SRS = doc.Get("srs").String()
	if origin := doc.Get("origin"); origin.Exists() {
		v, err := readVec(origin)
		if err != nil {
			return nil, fmt.Errorf("%w: origin: %w", ErrInvalidIndex, err)
		}
		idx.Reprojection.Origin = v
	}

	return idx, nil
}

func (JSONDecoder) ReadTile(data []byte) ([]TileNode, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidTile)
	}

	nodes := gjson.GetBytes(data, "nodes")
	if !nodes.IsArray() {
		return nil, fmt.Errorf("%w: missing nodes array", ErrInvalidTile)
	}

	var out []TileNode
	for i, n := range nodes.Array() {
		node, err := readNode(n)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %w", ErrInvalidTile, i, err)
		}
		out = append(out, node)
	}
	return out, nil
}

func readNode(n gjson.Result) (TileNode, error) {
	center, err := readVec(n.Get("center"))
	if err != nil {
		return TileNode{}, fmt.Errorf("center: %w", err)
	}

	radius := n.Get("radius")
	if radius.Type != gjson.Number || radius.Float() < 0 {
		return TileNode{}, fmt.Errorf("radius must be a non-negative number")
	}

	node := TileNode{
		ID:          n.Get("id").String(),
		ChildPath:   n.Get("children").String(),
		Center:      center,
		Radius:      radius.Float(),
		MaxDiameter: n.Get("maxDiameter").Float(),
	}

	for i, m := range n.Get("meshes").Array() {
		g, err := readMesh(m)
		if err != nil {
			return TileNode{}, fmt.Errorf("mesh %d: %w", i, err)
		}
		node.Geometries = append(node.Geometries, g)
	}
	return node, nil
}

func readMesh(m gjson.Result) (*geometry.Geometry, error) {
	rawIndices := m.Get("indices").Array()
	indices := make([]uint32, 0, len(rawIndices))
	for _, idx := range rawIndices {
		v := idx.Int()
		if idx.Type != gjson.Number || v < 0 || v > math.MaxUint32 {
			return nil, fmt.Errorf("invalid index %s", idx.Raw)
		}
		indices = append(indices, uint32(v))
	}

	points, err := readVecs(m.Get("points"))
	if err != nil {
		return nil, fmt.Errorf("points: %w", err)
	}
	normals, err := readVecs(m.Get("normals"))
	if err != nil {
		return nil, fmt.Errorf("normals: %w", err)
	}

	rawUVs := m.Get("uvs").Array()
	if len(rawUVs)%2 != 0 {
		return nil, fmt.Errorf("uvs: %d values is not a multiple of 2", len(rawUVs))
	}
	var uvs []geometry.UV
	for i := 0; i < len(rawUVs); i += 2 {
		uvs = append(uvs, geometry.UV{U: float32(rawUVs[i].Float()), V: float32(rawUVs[i+1].Float())})
	}

	return geometry.New(indices, points, normals, uvs)
}

func readVec(r gjson.Result) (r3.Vec, error) {
	vals := r.Array()
	if len(vals) != 3 {
		return r3.Vec{}, fmt.Errorf("expected 3 numbers, got %d", len(vals))
	}
	for _, v := range vals {
		if v.Type != gjson.Number {
			return r3.Vec{}, fmt.Errorf("non numeric component %s", v.Raw)
		}
	}
	return r3.Vec{X: vals[0].Float(), Y: vals[1].Float(), Z: vals[2].Float()}, nil
}

func readVecs(r gjson.Result) ([]r3.Vec, error) {
	vals := r.Array()
	if len(vals)%3 != 0 {
		return nil, fmt.Errorf("%d values is not a multiple of 3", len(vals))
	}
	var out []r3.Vec
	for i := 0; i < len(vals); i += 3 {
		out = append(out, r3.Vec{X: vals[i].Float(), Y: vals[i+1].Float(), Z: vals[i+2].Float()})
	}
	return out, nil
}
