package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuiltinRegistryCoversEveryStage(t *testing.T) {
	r := NewBuiltinRegistry()
	for _, name := range []string{
		CoordinatorPlan,
		ResearcherTechReality,
		ResearcherCompetencyMap,
		ResearcherCodebase,
		ArchitectBuild,
		ArchitectFix,
		QCCompleteness,
	} {
		if _, ok := r.Resolve(name); !ok {
			t.Errorf("missing builtin prompt %s", name)
		}
	}
}

func TestBuildReportsMissingVariables(t *testing.T) {
	spec, ok := NewBuiltinRegistry().Resolve(ArchitectFix)
	if !ok {
		t.Fatal("architect.fix not registered")
	}
	_, _, err := spec.Build(map[string]string{"requestText": "x"})
	if err == nil || !strings.Contains(err.Error(), "issues") {
		t.Fatalf("expected missing variable error, got %v", err)
	}
}

func TestResolvePicksHighestVersion(t *testing.T) {
	r := NewRegistry()
	for _, v := range []string{"v1", "v2"} {
		if err := r.Register(Spec{Name: "qc.completeness", Version: v, System: "s " + v, User: "u"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	spec, ok := r.Resolve("qc.completeness")
	if !ok || spec.Version != "v2" {
		t.Fatalf("expected v2, got %+v", spec)
	}
	spec, ok = r.Resolve("QC.Completeness@v1")
	if !ok || spec.System != "s v1" {
		t.Fatalf("expected pinned v1, got %+v", spec)
	}
	if !r.Delete("qc.completeness@v2") {
		t.Fatal("delete failed")
	}
	if names := r.Names(); len(names) != 1 {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestRegisterRejectsInvalidSpecs(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Spec{Name: "bad name", System: "s", User: "u"}); err == nil {
		t.Fatal("expected invalid name error")
	}
	if err := r.Register(Spec{Name: "ok", System: "s"}); err == nil {
		t.Fatal("expected empty user template error")
	}
}

func TestLoadDirOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()
	yamlSpec := "name: coordinator.plan\nsystem: custom planner\nuser: \"plan {{ requestText }}\"\n"
	if err := os.WriteFile(filepath.Join(dir, "plan.yaml"), []byte(yamlSpec), 0o644); err != nil {
		t.Fatal(err)
	}
	jsonSpec := `{"system": "from json", "user": "review {{ patches }}"}`
	if err := os.WriteFile(filepath.Join(dir, "extra.review.json"), []byte(jsonSpec), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewBuiltinRegistry()
	n, err := r.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 prompts loaded, got %d", n)
	}
	spec, _ := r.Resolve(CoordinatorPlan)
	_, user, err := spec.Build(map[string]string{"requestText": "add login"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.System != "custom planner" || user != "plan add login" {
		t.Fatalf("override not applied: %q %q", spec.System, user)
	}
	if _, ok := r.Resolve("extra.review"); !ok {
		t.Fatal("expected name derived from file name")
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	n, err := NewRegistry().LoadDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got %d %v", n, err)
	}
}

func TestRenderOptionalVariables(t *testing.T) {
	out, err := Render("plan {{ plan }}{{ research? }} {{plan}}", map[string]string{"plan": "p"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "plan p p" {
		t.Fatalf("unexpected render %q", out)
	}
	if got := Variables("{{ a }} {{ b? }} {{a}}"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected variables %v", got)
	}
	if _, err := Render("{{ a }} {{ b }} {{ a }}", nil); err == nil || err.Error() != "missing prompt variables: a, b" {
		t.Fatalf("expected missing a, b once each, got %v", err)
	}
}

func TestLoadDirRejectsUnknownVariables(t *testing.T) {
	dir := t.TempDir()
	spec := "name: architect.build\nsystem: s\nuser: \"{{ tasks }} {{ secretsDump }}\"\n"
	if err := os.WriteFile(filepath.Join(dir, "build.yaml"), []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewBuiltinRegistry().LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "secretsDump") {
		t.Fatalf("expected unknown variable error, got %v", err)
	}
}
