// Package tileformat decodes scene index files and tile files.
package tileformat

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/realitymesh/realitymesh/pkg/geometry"
	"github.com/realitymesh/realitymesh/pkg/reproject"
)

var (
	ErrInvalidIndex = errors.New("invalid scene index")
	ErrInvalidTile  = errors.New("invalid tile")
)

// Index is the entry point of a scene: the tile files of its roots and how
// their coordinates are georeferenced.
type Index struct {
	ChildPaths   []string
	Reprojection reproject.Spec
}

// TileNode is one node decoded from a tile file. An empty ChildPath marks a
// leaf.
type TileNode struct {
	ID          string
	ChildPath   string
	Center      r3.Vec
	Radius      float64
	MaxDiameter float64
	Geometries  []*geometry.Geometry
}

// Decoder turns raw payloads into index and tile data.
type Decoder interface {
	ReadIndex(data []byte) (*Index, error)
	ReadTile(data []byte) ([]TileNode, error)
}
