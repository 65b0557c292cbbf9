// Package transform holds the camera models used to project map points into keyframe images.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// ErrBehindCamera is returned when projecting a point with non-positive depth.
var ErrBehindCamera = errors.New("point is not in front of the camera")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
// BF is the stereo baseline times Fx; it is zero for monocular cameras.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
	BF     float64 `json:"bf,omitempty"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	if params.BF < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid stereo baseline BF = %#v", params.BF))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, nil
}

// IsStereo returns whether the camera has a stereo baseline.
func (params *PinholeCameraIntrinsics) IsStereo() bool {
	return params != nil && params.BF > 0
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	if params == nil {
		return r3.Vector{}
	}
	return r3.Vector{
		X: (x - params.Ppx) / params.Fx * z,
		Y: (y - params.Ppy) / params.Fy * z,
		Z: z,
	}
}

// Project maps a camera-frame point to sub-pixel image coordinates. The point is not checked for
// positive depth; callers that need that use CheckedProject.
func (params *PinholeCameraIntrinsics) Project(pc r3.Vector) r2.Point {
	invZ := 1 / pc.Z
	return r2.Point{
		X: params.Fx*pc.X*invZ + params.Ppx,
		Y: params.Fy*pc.Y*invZ + params.Ppy,
	}
}

// ProjectStereo maps a camera-frame point to (u, v, ur) where ur is the right image column.
func (params *PinholeCameraIntrinsics) ProjectStereo(pc r3.Vector) [3]float64 {
	px := params.Project(pc)
	return [3]float64{px.X, px.Y, px.X - params.BF/pc.Z}
}

// CheckedProject is Project but fails for points behind the camera.
func (params *PinholeCameraIntrinsics) CheckedProject(pc r3.Vector) (r2.Point, error) {
	if pc.Z <= 0 {
		return r2.Point{}, errors.Wrapf(ErrBehindCamera, "depth %.4f", pc.Z)
	}
	return params.Project(pc), nil
}

// InImage returns whether a pixel lies inside the image bounds.
func (params *PinholeCameraIntrinsics) InImage(px r2.Point) bool {
	return px.X >= 0 && px.Y >= 0 && px.X < float64(params.Width) && px.Y < float64(params.Height)
}
