// Package geometry holds the per-scan geometric stages of the preprocessing
// pipeline: normalization, voxel downsampling with the grid-stride alignment
// check, normal estimation and nearest-neighbour label transfer.
//
// Each stage takes a *scan.GeometryRecord and returns a new one; inputs are
// never modified.
package geometry
