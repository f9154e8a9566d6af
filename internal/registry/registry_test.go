package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/pathology"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
	"github.com/Brownie44l1/cxr-api/internal/repository"
	"github.com/Brownie44l1/cxr-api/internal/repository/sqlite"
)

type countingRepo struct {
	repository.ModelRepository
	activeCalls int
}

func (c *countingRepo) Active(ctx context.Context) (*repository.ModelRecord, error) {
	c.activeCalls++
	return c.ModelRepository.Active(ctx)
}

func writeCheckpoint(t *testing.T, dir string, classes []string) (string, string) {
	t.Helper()
	modelPath := filepath.Join(dir, "best_model.onnx")
	require.NoError(t, os.WriteFile(modelPath, []byte("onnx"), 0o644))

	meta := map[string]any{
		"input_shape":  []int{1, 3, 224, 224},
		"output_shape": []int{1, len(classes)},
		"classes":      classes,
		"image_size":   224,
	}
	raw, err := json.Marshal(meta)
	require.NoError(t, err)
	metaPath := filepath.Join(dir, "model_metadata.json")
	require.NoError(t, os.WriteFile(metaPath, raw, 0o644))
	return modelPath, metaPath
}

func newRegistry(t *testing.T) (*Registry, *countingRepo) {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := &countingRepo{ModelRepository: sqlite.NewModelRepository(db)}
	return New(repo, preprocess.DefaultContract(), time.Minute), repo
}

func TestRegisterAndActivate(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	modelPath, metaPath := writeCheckpoint(t, t.TempDir(), pathology.Labels())

	_, err := reg.Active(ctx)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	v1, err := reg.Register(ctx, RegisterRequest{VersionName: "v1", ModelPath: modelPath, MetadataPath: metaPath, AUROC: 0.82, Activate: true})
	require.NoError(t, err)
	assert.True(t, v1.IsActive)

	v2, err := reg.Register(ctx, RegisterRequest{VersionName: "v2", ModelPath: modelPath, MetadataPath: metaPath, AUROC: 0.85})
	require.NoError(t, err)
	assert.False(t, v2.IsActive)

	active, err := reg.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	require.NoError(t, reg.Activate(ctx, v2.ID))
	active, err = reg.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, reg.Activate(ctx, "missing"), repository.ErrNotFound)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	dir := t.TempDir()
	modelPath, metaPath := writeCheckpoint(t, dir, pathology.Labels())

	cases := map[string]RegisterRequest{
		"missing name":  {ModelPath: modelPath, MetadataPath: metaPath},
		"bad auroc":     {VersionName: "v", ModelPath: modelPath, MetadataPath: metaPath, AUROC: 1.5},
		"missing model": {VersionName: "v", ModelPath: filepath.Join(dir, "nope.onnx"), MetadataPath: metaPath},
		"missing meta":  {VersionName: "v", ModelPath: modelPath, MetadataPath: filepath.Join(dir, "nope.json")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Register(ctx, req)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	t.Run("fourteen classes", func(t *testing.T) {
		other := t.TempDir()
		m, meta := writeCheckpoint(t, other, append(pathology.Labels(), "Hernia"))
		_, err := reg.Register(ctx, RegisterRequest{VersionName: "v14", ModelPath: m, MetadataPath: meta})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "metadata_path", verr.Field)
	})
}

func TestActiveIsCached(t *testing.T) {
	ctx := context.Background()
	reg, repo := newRegistry(t)
	modelPath, metaPath := writeCheckpoint(t, t.TempDir(), pathology.Labels())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	rec, err := reg.Register(ctx, RegisterRequest{VersionName: "v1", ModelPath: modelPath, MetadataPath: metaPath, Activate: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := reg.Active(ctx)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
	}
	assert.Equal(t, 1, repo.activeCalls)

	now = now.Add(2 * time.Minute)
	_, err = reg.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.activeCalls)

	require.NoError(t, reg.Activate(ctx, rec.ID))
	_, err = reg.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, repo.activeCalls)
}
