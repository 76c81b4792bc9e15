// Copyright 2023 Gustavo C. Viegas. All rights reserved.

package linear

import "math"

// Perspective sets m to a right-handed perspective projection with
// depth range [0,1], near mapping to 0 and far to 1 (Vulkan clip
// space), given a vertical
// field of view in radians, an aspect ratio (width/height), and near
// and far clip distances.
func (m *M4) Perspective(fovy, aspect, near, far float32) {
	f := float32(1 / math.Tan(float64(fovy)/2))
	*m = M4{}
	m[0][0] = f / aspect
	m[1][1] = -f
	m[2][2] = far / (near - far)
	m[2][3] = -1
	m[3][2] = (near * far) / (near - far)
}

// Ortho sets m to an orthographic projection over the given box,
// matching Vulkan's [0,1] depth range and Y-down clip space.
func (m *M4) Ortho(left, right, bottom, top, near, far float32) {
	*m = M4{}
	m[0][0] = 2 / (right - left)
	m[1][1] = -2 / (top - bottom)
	m[2][2] = -1 / (far - near)
	m[3][0] = -(right + left) / (right - left)
	m[3][1] = -(bottom + top) / (top - bottom)
	m[3][2] = -near / (far - near)
	m[3][3] = 1
}

// LookAt sets m to a view matrix placing the camera at eye, looking
// toward center, with up as the approximate up direction.
func (m *M4) LookAt(eye, center, up *V3) {
	var f, s, u V3
	f.Sub(center, eye)
	f.Norm(&f)
	s.Cross(&f, up)
	s.Norm(&s)
	u.Cross(&s, &f)

	*m = M4{}
	m[0][0], m[1][0], m[2][0] = s[0], s[1], s[2]
	m[0][1], m[1][1], m[2][1] = u[0], u[1], u[2]
	m[0][2], m[1][2], m[2][2] = -f[0], -f[1], -f[2]
	m[3][3] = 1
	m[3][0] = -s.Dot(eye)
	m[3][1] = -u.Dot(eye)
	m[3][2] = f.Dot(eye)
}
