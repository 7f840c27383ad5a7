package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agentgateway/pkg/contracts"
)

func validManifest() contracts.Manifest {
	return contracts.Manifest{
		OrgID:         "org_1",
		UAPKID:        "uapk_1",
		SchemaVersion: "1.0.0",
		Status:        contracts.ManifestStatusActive,
		Constraints: contracts.Constraints{
			AllowedActionTypes: []contracts.ActionType{contracts.ActionTypeEmailSend},
			AllowedTools:       []string{"mailer.simulated"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestStaticStore_ActiveReturnsManifest(t *testing.T) {
	m := validManifest()
	store := NewStaticStore([]contracts.Manifest{m})

	got, err := store.Active(context.Background(), "org_1", "uapk_1")
	require.NoError(t, err)
	assert.Equal(t, m.OrgID, got.OrgID)
	assert.Equal(t, m.UAPKID, got.UAPKID)
}

func TestStaticStore_ActiveReturnsNotFoundForUnknownPair(t *testing.T) {
	store := NewStaticStore([]contracts.Manifest{validManifest()})
	_, err := store.Active(context.Background(), "org_1", "uapk_unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidator_AcceptsWellFormedManifest(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	assert.NoError(t, v.Validate(validManifest()))
}

func TestValidator_RejectsMissingRequiredField(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	m := validManifest()
	m.OrgID = ""
	assert.Error(t, v.Validate(m))
}

func TestValidator_RejectsUnsupportedSchemaVersion(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	m := validManifest()
	m.SchemaVersion = "2.0.0"
	assert.Error(t, v.Validate(m))
}

func TestValidator_RejectsUnparseableSchemaVersion(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	m := validManifest()
	m.SchemaVersion = "not-a-version"
	assert.Error(t, v.Validate(m))
}

func TestLoadDirectory_LoadsAllJSONFilesAndSkipsOthers(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	manifests, err := LoadDirectory("testdata/manifests", v)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	store := NewStaticStore(manifests)
	got, err := store.Active(context.Background(), "org_1", "uapk_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionTypeEmailSend, got.Constraints.AllowedActionTypes[0])

	got, err = store.Active(context.Background(), "org_2", "uapk_2")
	require.NoError(t, err)
	assert.Equal(t, int64(500000), got.Constraints.MaxAmountCents)
}

func TestLoadDirectory_SurfacesValidationFailure(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	_, err = LoadDirectory("testdata/manifests_invalid", v)
	assert.Error(t, err)
}

func TestLoadDirectory_EmptyDirectoryReturnsNoManifests(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	manifests, err := LoadDirectory("testdata/manifests_empty", v)
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestLoadDirectory_MissingDirectoryReturnsError(t *testing.T) {
	_, err := LoadDirectory("testdata/does_not_exist", nil)
	assert.Error(t, err)
}
