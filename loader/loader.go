// Package loader declares the narrow interfaces the resource layer
// needs from an external asset pipeline. The pipeline itself — glTF
// parsing, JSON scene loading, the script host, and the
// windowing/input layer — is out of scope for this core (spec.md §1);
// this package only names the boundary the core reads bytes across,
// keeping asset decoding and windowing concerns out of the resource
// and rendering packages entirely.
package loader

// ShaderSource supplies SPIR-V bytes for a named shader. Names match
// spec.md §6's convention: the file stem under ./Shaders/Bin/, used
// as the descriptor key.
type ShaderSource interface {
	Shader(name string) ([]byte, error)
}

// ImageSource supplies decoded RGBA8 pixel data for a named texture.
type ImageSource interface {
	Image(name string) (width, height int, rgba []byte, err error)
}

// MeshSource supplies one decoded submesh's vertex and index bytes,
// already packed in this engine's vertex format (spec.md §6).
type MeshSource interface {
	Mesh(name string) (vertices, indices []byte, err error)
}

// EnvMapSource supplies a decoded equirectangular HDR image for IBL
// baking (spec.md §4.10).
type EnvMapSource interface {
	EnvMap(name string) (width, height int, rgb32f []float32, err error)
}
