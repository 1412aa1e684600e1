// Package imagepolicy is the Image Policy: validates an image reference
// against an allow-list of registries, normalizes it, ensures it is
// present locally (pulling with optional credentials), and optionally
// resolves it to a content-addressed digest, caching the result.
package imagepolicy
