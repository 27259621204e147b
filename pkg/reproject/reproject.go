// Package reproject computes the transform placing a tile tree in the
// coordinate reference system requested by the caller.
package reproject

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/realitymesh/realitymesh/pkg/geometry"
)

var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

// Spec describes how stored tile coordinates relate to the world: points are
// stored relative to Origin in the system named by SRS.
type Spec struct {
	SRS    string
	Origin r3.Vec
}

// Reprojector produces the scene transform. sceneRange is the range of the
// loaded roots in stored coordinates.
type Reprojector interface {
	ComputeTransform(spec Spec, sceneRange geometry.Range, targetCRS string) (geometry.Transform, error)
}

// OriginShift translates stored coordinates back by their origin. It only
// handles the case where no conversion between reference systems is needed.
//
// With Recenter set the scene is instead centred on the world origin, which
// keeps float32 render coordinates precise for georeferenced data.
type OriginShift struct {
	Recenter bool
}

var _ Reprojector = OriginShift{}

func (o OriginShift) ComputeTransform(spec Spec, sceneRange geometry.Range, targetCRS string) (geometry.Transform, error) {
	if targetCRS != "" && spec.SRS != "" && !strings.EqualFold(targetCRS, spec.SRS) {
		return geometry.Identity(), fmt.Errorf("%w: cannot convert %q to %q", ErrUnsupportedCRS, spec.SRS, targetCRS)
	}
	if o.Recenter && !sceneRange.IsNull() {
		return geometry.Translation(r3.Scale(-1, sceneRange.Center())), nil
	}
	return geometry.Translation(spec.Origin), nil
}
