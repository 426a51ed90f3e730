package voxel

type Vec3i struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3i) Add(o Vec3i) Vec3i {
	return Vec3i{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v Vec3i) Neg() Vec3i {
	return Vec3i{-v.X, -v.Y, -v.Z}
}

// FloorDiv divides rounding toward negative infinity. Correct for negative
// coordinates, which plain integer division is not.
func FloorDiv(a, b int) int {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}

// Mod is the remainder paired with FloorDiv; the result is always in [0, b).
func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
