package imagepolicy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// Policy validates and resolves image references before the Container
// Manager hands them to the runtime.
type Policy struct {
	ra                runtime.Adapter
	allowedRegistries map[string]bool
	authJSON          string
	logger            zerolog.Logger

	mu          sync.Mutex
	digestCache map[string]string
}

// New builds a Policy against ra, allowing only the given registry
// hosts (e.g. "docker.io", "ghcr.io") and using authJSON (the raw
// DOCKER_CONFIG_JSON blob, may be empty) for pulls.
func New(ra runtime.Adapter, allowedRegistries []string, authJSON string, logger zerolog.Logger) *Policy {
	allowed := make(map[string]bool, len(allowedRegistries))
	for _, r := range allowedRegistries {
		allowed[r] = true
	}
	return &Policy{
		ra:                ra,
		allowedRegistries: allowed,
		authJSON:          authJSON,
		logger:            logger,
		digestCache:       make(map[string]string),
	}
}

// Resolve normalizes requested, validates its registry, ensures the
// image is present locally (pulling if necessary), and optionally pins
// it to a digest.
func (p *Policy) Resolve(ctx context.Context, requested string, pinDigest bool) (types.ResolvedImage, error) {
	normalized := normalize(requested)
	registry := extractRegistry(normalized)

	if !p.allowedRegistries[registry] {
		return types.ResolvedImage{}, types.NewImagePolicyError(requested,
			fmt.Sprintf("registry %q is not in the allow-list", registry))
	}

	if err := p.ensurePresent(ctx, normalized); err != nil {
		return types.ResolvedImage{}, types.NewImagePolicyError(requested, err.Error())
	}

	var digest string
	if pinDigest {
		d, err := p.digest(ctx, normalized)
		if err != nil {
			return types.ResolvedImage{}, types.NewImagePolicyError(requested, err.Error())
		}
		digest = d
	}

	resolvedRef := normalized
	if digest != "" {
		base, _, _ := strings.Cut(normalized, ":")
		resolvedRef = base + "@" + digest
	}

	p.logger.Info().
		Str("requested", requested).
		Str("resolved", resolvedRef).
		Str("registry", registry).
		Msg("image resolved")

	return types.ResolvedImage{
		Requested:   requested,
		ResolvedRef: resolvedRef,
		Digest:      digest,
		Registry:    registry,
	}, nil
}

func (p *Policy) ensurePresent(ctx context.Context, ref string) error {
	present, err := p.ra.ImagePresentLocally(ctx, ref)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	p.logger.Info().Str("image", ref).Msg("pulling image")
	registry := extractRegistry(ref)
	auth := registryAuth(p.authJSON, registry)
	if err := p.ra.PullImage(ctx, ref, auth); err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	return nil
}

func (p *Policy) digest(ctx context.Context, ref string) (string, error) {
	p.mu.Lock()
	if d, ok := p.digestCache[ref]; ok {
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()

	d, err := p.ra.ImageDigest(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving digest: %w", err)
	}

	p.mu.Lock()
	p.digestCache[ref] = d
	p.mu.Unlock()
	return d, nil
}

// extractRegistry returns the registry host a normalized reference
// belongs to: everything before the first "/" when that segment looks
// like a host (contains "." or ":"), otherwise "docker.io".
func extractRegistry(ref string) string {
	if !strings.Contains(ref, "/") {
		return "docker.io"
	}
	first, _, _ := strings.Cut(ref, "/")
	if strings.Contains(first, ".") || strings.Contains(first, ":") {
		return first
	}
	return "docker.io"
}

// normalize adds an explicit docker.io[/library] prefix to bare
// references so every downstream consumer sees a fully qualified ref.
func normalize(ref string) string {
	if !strings.Contains(ref, "/") {
		return "docker.io/library/" + ref
	}
	first, _, _ := strings.Cut(ref, "/")
	if !strings.Contains(first, ".") && !strings.Contains(first, ":") {
		return "docker.io/" + ref
	}
	return ref
}
