package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeIsStableAndLengthMatchesPrecision(t *testing.T) {
	h := Encode(37.7749, -122.4194)
	require.Len(t, h, Precision)
	require.Equal(t, h, Encode(37.7749, -122.4194))
}

func TestCoveringNearBoundaryYieldsTwoCells(t *testing.T) {
	center := Encode(37.7749, -122.4194)
	b := decodeBounds(center)
	midLon := (b.LonMin + b.LonMax) / 2

	// Walk south from the cell's north edge until within a few
	// meters of it, landing just inside the cell, halfway between its
	// east and west edges so only the north edge is within the margin.
	nearLat := b.LatMax - 0.00003
	near := Covering(nearLat, midLon)
	require.Len(t, near, 2)
	require.Contains(t, near, center)

	across := neighbor(center, "n")
	require.Contains(t, near, across)
}

func TestCoveringMidCellYieldsOneCell(t *testing.T) {
	center := Encode(0, 0)
	b := decodeBounds(center)
	midLat := (b.LatMin + b.LatMax) / 2
	midLon := (b.LonMin + b.LonMax) / 2
	set := Covering(midLat, midLon)
	require.Equal(t, []string{center}, set)
}

func TestCoveringAcrossBoundaryShareOneCommonCell(t *testing.T) {
	center := Encode(37.7749, -122.4194)
	b := decodeBounds(center)
	midLon := (b.LonMin + b.LonMax) / 2 // over marginMeters from the east and west edges

	nearLat := b.LatMax - 0.00003 // ~a few meters south of the north edge
	near := Covering(nearLat, midLon)

	acrossCenter := neighbor(center, "n")
	acrossB := decodeBounds(acrossCenter)
	farLat := acrossB.LatMin + 0.0009 // well over marginMeters north of the shared edge
	far := Covering(farLat, midLon)

	require.Len(t, far, 1)
	require.Equal(t, []string{acrossCenter}, far)

	common := 0
	for _, a := range near {
		for _, b := range far {
			if a == b {
				common++
			}
		}
	}
	require.Equal(t, 1, common)
}
