// Package manifest implements the gateway's manifest lookup and schema
// validation (SPEC_FULL.md §4.10): the policy engine's first input, read
// through a small Store interface so the engine never cares whether
// manifests live in Postgres, a config-managed YAML bundle, or a test
// fixture map.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

// ErrNotFound is returned by Store.Active when no manifest exists for
// the (org, uapk) pair. The policy engine maps this to
// contracts.ReasonManifestInactive's sibling, MANIFEST_NOT_FOUND.
var ErrNotFound = errors.New("manifest: not found")

// Store resolves the manifest governing one (org, uapk) pair. It returns
// the registered manifest whatever its Status; the policy engine checks
// Status itself and denies a non-active manifest with
// MANIFEST_INACTIVE.
type Store interface {
	Active(ctx context.Context, orgID, uapkID string) (contracts.Manifest, error)
}

// StaticStore serves manifests from an in-memory map, grounding the
// common case of a config-managed, low-churn manifest bundle (loaded
// once at startup the way pkg/config's profile loader reads YAML
// profiles).
type StaticStore struct {
	manifests map[string]contracts.Manifest
}

// NewStaticStore builds a store from a pre-loaded set of manifests keyed
// by (org, uapk).
func NewStaticStore(manifests []contracts.Manifest) *StaticStore {
	m := make(map[string]contracts.Manifest, len(manifests))
	for _, manifest := range manifests {
		m[key(manifest.OrgID, manifest.UAPKID)] = manifest
	}
	return &StaticStore{manifests: m}
}

func (s *StaticStore) Active(ctx context.Context, orgID, uapkID string) (contracts.Manifest, error) {
	m, ok := s.manifests[key(orgID, uapkID)]
	if !ok {
		return contracts.Manifest{}, ErrNotFound
	}
	return m, nil
}

func key(orgID, uapkID string) string {
	return fmt.Sprintf("%s/%s", orgID, uapkID)
}

// LoadDirectory reads every *.json file in dir as a contracts.Manifest,
// validating each against v before returning. This is the boot-time
// path for a config-managed manifest bundle: an operator drops one file
// per (org, uapk) pair under a manifests directory and restarts the
// gateway to pick up changes.
func LoadDirectory(dir string, v *Validator) ([]contracts.Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("manifest: read directory: %w", err)
	}

	var manifests []contracts.Manifest
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("manifest: read %s: %w", path, err)
		}
		var m contracts.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
		}
		if v != nil {
			if err := v.Validate(m); err != nil {
				return nil, fmt.Errorf("manifest: %s failed validation: %w", path, err)
			}
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
