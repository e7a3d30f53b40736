package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/indicate-spe/spe-core/internal/sandbox"
	"github.com/indicate-spe/spe-core/internal/state"
)

func TestKindForFilename(t *testing.T) {
	cases := []struct {
		filename string
		kind     sandbox.Kind
		wantErr  bool
	}{
		{"analysis.R", sandbox.KindR, false},
		{"analysis.r", sandbox.KindR, false},
		{"analysis.py", sandbox.KindPython, false},
		{"analysis.PY", sandbox.KindPython, false},
		{"analysis.js", sandbox.KindJavaScript, false},
		{"analysis.sh", "", true},
		{"analysis", "", true},
	}

	for _, tc := range cases {
		kind, err := KindForFilename(tc.filename)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownKind) {
				t.Errorf("%s: expected ErrUnknownKind, got %v", tc.filename, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.filename, err)
			continue
		}
		if kind != tc.kind {
			t.Errorf("%s: expected kind %s, got %s", tc.filename, tc.kind, kind)
		}
	}
}

func TestRegister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore())

	script := []byte(`print('{"ok": true}')`)
	meta := Metadata{
		Name:        "Sepsis cohort",
		Description: "ICU sepsis cohort counts",
		Researcher:  "A researcher",
		Institution: "An institution",
	}

	study, err := reg.Register(ctx, script, "sepsis.py", "", meta)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if study.ID == "" {
		t.Error("Expected a generated study id")
	}
	if study.ScriptKind != string(sandbox.KindPython) {
		t.Errorf("Expected inferred kind python, got %s", study.ScriptKind)
	}
	if study.StudyType != TypeGeneralAnalysis {
		t.Errorf("Expected study type %s, got %s", TypeGeneralAnalysis, study.StudyType)
	}
	if study.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be stamped")
	}

	got, err := reg.Get(ctx, study.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "Sepsis cohort" {
		t.Errorf("Expected name 'Sepsis cohort', got '%s'", got.Name)
	}
	if string(got.Script) != string(script) {
		t.Error("Expected script content to round-trip")
	}

	list, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != study.ID {
		t.Errorf("Expected the registered study in the list, got %v", list)
	}
}

func TestRegister_ExplicitKindOverridesExtension(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore())

	study, err := reg.Register(ctx, []byte("x <- 1"), "script.txt", sandbox.KindR, Metadata{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if study.ScriptKind != string(sandbox.KindR) {
		t.Errorf("Expected explicit kind R, got %s", study.ScriptKind)
	}
	if study.StudyType != TypeCohortAnalysis {
		t.Errorf("Expected study type %s, got %s", TypeCohortAnalysis, study.StudyType)
	}
}

func TestRegister_DefaultsNameToFilename(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore())

	study, err := reg.Register(ctx, []byte("console.log('{}')"), "inline.js", "", Metadata{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if study.Name != "inline.js" {
		t.Errorf("Expected name to default to filename, got '%s'", study.Name)
	}
}

func TestRegister_Validation(t *testing.T) {
	ctx := context.Background()
	reg := New(state.NewMemStore())

	if _, err := reg.Register(ctx, nil, "empty.py", "", Metadata{}); !errors.Is(err, ErrEmptyScript) {
		t.Errorf("Expected ErrEmptyScript, got %v", err)
	}

	if _, err := reg.Register(ctx, []byte("echo hi"), "script.sh", "", Metadata{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind for .sh, got %v", err)
	}

	if _, err := reg.Register(ctx, []byte("x"), "script.py", sandbox.Kind("ruby"), Metadata{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind for unsupported explicit kind, got %v", err)
	}
}
