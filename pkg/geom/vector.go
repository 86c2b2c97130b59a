package geom

import "math"

// Vector is a plain 3-component value. It is passed and stored by value.
type Vector struct {
	X float64 `cbor:"x" json:"x" yaml:"x"`
	Y float64 `cbor:"y" json:"y" yaml:"y"`
	Z float64 `cbor:"z" json:"z" yaml:"z"`
}

var Zero = Vector{}

func NewVector(x, y, z float64) Vector {
	return Vector{x, y, z}
}

func (v Vector) IsZero() bool { return v.X == 0 && v.Y == 0 && v.Z == 0 }

func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vector) Add(o Vector) Vector {
	return Vector{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v Vector) Sub(o Vector) Vector {
	return Vector{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v Vector) Mul(k float64) Vector {
	return Vector{v.X * k, v.Y * k, v.Z * k}
}

func (v Vector) Scale(k float64) Vector {
	if mag := v.Magnitude(); mag > 1e-6 {
		return v.Mul(k / mag)
	}
	return v
}

// Lerp moves from v toward o by t (0 = v, 1 = o).
func (v Vector) Lerp(o Vector, t float64) Vector {
	return Vector{
		v.X + (o.X-v.X)*t,
		v.Y + (o.Y-v.Y)*t,
		v.Z + (o.Z-v.Z)*t,
	}
}

func Distance(from, to Vector) float64 {
	return from.Sub(to).Magnitude()
}
