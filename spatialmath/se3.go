package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Below this rotation angle the closed forms are replaced by their Taylor expansions.
const smallAngle = 1e-5

// ExpSO3 maps an axis-angle vector to a unit quaternion.
func ExpSO3(omega r3.Vector) quat.Number {
	theta := omega.Norm()
	if theta < smallAngle {
		return normalizeQuat(quat.Number{Real: 1, Imag: omega.X / 2, Jmag: omega.Y / 2, Kmag: omega.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: s * omega.X, Jmag: s * omega.Y, Kmag: s * omega.Z}
}

// LogSO3 maps a unit quaternion to its axis-angle vector, with angle in [0, π].
func LogSO3(q quat.Number) r3.Vector {
	q = normalizeQuat(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := v.Norm()
	if n < smallAngle {
		return v.Mul(2 / q.Real)
	}
	theta := 2 * math.Atan2(n, q.Real)
	return v.Mul(theta / n)
}

// ExpSE3 maps a twist to a pose. The twist is ordered rotation first, [ωx ωy ωz υx υy υz].
func ExpSE3(xi [6]float64) Pose {
	omega := r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
	upsilon := r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}

	theta := omega.Norm()
	var a, b float64
	if theta < smallAngle {
		a = 0.5 - theta*theta/24
		b = 1.0/6 - theta*theta/120
	} else {
		a = (1 - math.Cos(theta)) / (theta * theta)
		b = (theta - math.Sin(theta)) / (theta * theta * theta)
	}
	wxu := omega.Cross(upsilon)
	t := upsilon.Add(wxu.Mul(a)).Add(omega.Cross(wxu).Mul(b))
	return Pose{rotation: ExpSO3(omega), translation: t}
}

// LogSE3 is the inverse of ExpSE3.
func LogSE3(p Pose) [6]float64 {
	omega := LogSO3(p.Quaternion())
	t := p.translation

	theta := omega.Norm()
	var c float64
	if theta < smallAngle {
		c = 1.0/12 + theta*theta/720
	} else {
		c = (1 - theta*math.Sin(theta)/(2*(1-math.Cos(theta)))) / (theta * theta)
	}
	wxt := omega.Cross(t)
	upsilon := t.Sub(wxt.Mul(0.5)).Add(omega.Cross(wxt).Mul(c))
	return [6]float64{omega.X, omega.Y, omega.Z, upsilon.X, upsilon.Y, upsilon.Z}
}
