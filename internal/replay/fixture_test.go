package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/querytune/internal/cases"
)

// #region fixture-tests

func TestLoadFixture_DistinctFix(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "distinct_fix.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if f.Configuration.VersionID != "v0" {
		t.Errorf("version id: got %q", f.Configuration.VersionID)
	}
	train, heldOut := f.Sets()
	if train.Len() != 3 || heldOut.Len() != 1 {
		t.Fatalf("sets: got %d train, %d held-out", train.Len(), heldOut.Len())
	}
	for _, c := range train.Cases {
		if c.Split != cases.SplitTrain {
			t.Errorf("case %s: split %q", c.ID, c.Split)
		}
	}
	if heldOut.Cases[0].Split != cases.SplitHeldOut {
		t.Errorf("held-out split: %q", heldOut.Cases[0].Split)
	}
}

// TestLoadFixture_NotFound verifies error on missing file.
func TestLoadFixture_NotFound(t *testing.T) {
	_, err := LoadFixture("testdata/nonexistent.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// TestLoadFixture_Malformed verifies error on invalid JSON.
func TestLoadFixture_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json}"), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if _, err := LoadFixture(path); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestLoadFixture_InvalidConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte(`{"configuration": {"generation_instructions": ""}}`), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if _, err := LoadFixture(path); err == nil {
		t.Fatal("expected error for empty instructions, got nil")
	}
}

// #endregion fixture-tests
