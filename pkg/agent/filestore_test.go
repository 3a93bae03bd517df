package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const fileStoreTestPrefix = "agent:filestore_test"

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "agent.yaml")

	store := NewFileStore(path)
	if _, err := store.LoadCurrent(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("%s - empty store LoadCurrent = %v, want ErrNotFound", fileStoreTestPrefix, err)
	}

	snap := DefaultSnapshot()
	snap.Model = "from-disk"
	snap.Revision = 4
	if err := store.SaveCurrent(ctx, snap); err != nil {
		t.Fatalf("%s - SaveCurrent: %v", fileStoreTestPrefix, err)
	}
	if err := store.PutProfile(ctx, "travel", snap); err != nil {
		t.Fatalf("%s - PutProfile: %v", fileStoreTestPrefix, err)
	}

	reopened := NewFileStore(path)
	got, err := reopened.LoadCurrent(ctx)
	if err != nil {
		t.Fatalf("%s - reopened LoadCurrent: %v", fileStoreTestPrefix, err)
	}
	if got.Model != "from-disk" || got.Revision != 4 {
		t.Errorf("%s - reopened snapshot = %q rev %d", fileStoreTestPrefix, got.Model, got.Revision)
	}
	if got.Autonomy[FeatureNotes].MaxInterval != 900 {
		t.Errorf("%s - autonomy lost in round trip: %+v", fileStoreTestPrefix, got.Autonomy)
	}

	profiles, err := reopened.ListProfiles(ctx)
	if err != nil || len(profiles) != 1 || profiles[0].Name != "travel" {
		t.Errorf("%s - ListProfiles = %+v, %v", fileStoreTestPrefix, profiles, err)
	}
	if err := reopened.DeleteProfile(ctx, "travel"); err != nil {
		t.Fatalf("%s - DeleteProfile: %v", fileStoreTestPrefix, err)
	}
	if _, err := reopened.GetProfile(ctx, "travel"); !errors.Is(err, ErrNotFound) {
		t.Errorf("%s - GetProfile after delete = %v", fileStoreTestPrefix, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("%s - temp file left behind", fileStoreTestPrefix)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("current: [::"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).LoadCurrent(context.Background()); err == nil {
		t.Errorf("%s - expected parse error", fileStoreTestPrefix)
	}
}

func TestController_WithFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.yaml")

	c, err := NewController(ctx, NewFileStore(path), nil)
	if err != nil {
		t.Fatalf("%s - NewController: %v", fileStoreTestPrefix, err)
	}
	if _, err := c.UpdateConfig(ctx, []byte(`{"model":"persisted"}`)); err != nil {
		t.Fatalf("%s - UpdateConfig: %v", fileStoreTestPrefix, err)
	}

	again, err := NewController(ctx, NewFileStore(path), nil)
	if err != nil {
		t.Fatalf("%s - second NewController: %v", fileStoreTestPrefix, err)
	}
	if again.Config().Model != "persisted" || again.Config().Revision != 2 {
		t.Errorf("%s - config not persisted: %+v", fileStoreTestPrefix, again.Config())
	}
}
