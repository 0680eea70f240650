package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInternalImportForbidden(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"fluencecore/internal/core", true},
		{"example.com/mod/internal/x", true},
		{"fluencecore/pkg/domain", false},
		{"github.com/google/uuid", false},
	}
	for _, c := range cases {
		if got := InternalImportForbidden(c.in); got != c.want {
			t.Fatalf("InternalImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestServiceImportForbidden(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"fluencecore/internal/core", true},
		{"fluencecore/cmd/fluencectl", true},
		{"fluencecore/internal/blob/core", false},
		{"fluencecore/internal/config", false},
	}
	for _, c := range cases {
		if got := ServiceImportForbidden(c.in); got != c.want {
			t.Fatalf("ServiceImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestOnlyModuleImports(t *testing.T) {
	pred := OnlyModuleImports("fluencecore/pkg/domain")
	if pred("fluencecore/pkg/domain") || pred("context") || pred("modernc.org/sqlite") {
		t.Fatalf("expected allowed and external imports to pass")
	}
	if !pred("fluencecore/internal/config") {
		t.Fatalf("expected other module imports to be rejected")
	}
}

func writePkg(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestDirectImportViolations(t *testing.T) {
	dir := writePkg(t, map[string]string{
		"a.go":      "package tmp\nimport \"fluencecore/internal/core\"\nvar _ = core.DefaultChannel\n",
		"b.go":      "package tmp\nimport \"fmt\"\nfunc X() { fmt.Println(1) }\n",
		"a_test.go": "package tmp\nimport \"fluencecore/cmd/fluencectl\"\n",
	})
	viols, err := directImportViolations(dir, ServiceImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "a.go") {
		t.Fatalf("expected one violation in a.go, got %v", viols)
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), ServiceImportForbidden); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, _ ...any) { r.msg = format }

func TestFailIfViolations(t *testing.T) {
	r := &recordingFatal{}
	failIfViolations(r, "reason", nil)
	if r.msg != "" {
		t.Fatalf("unexpected failure for no violations")
	}
	failIfViolations(r, "reason", []string{"x"})
	if r.msg == "" {
		t.Fatalf("expected failure to be reported")
	}
}

func TestAssertNoDirectImportsPasses(t *testing.T) {
	dir := writePkg(t, map[string]string{"x.go": "package tmp\nimport \"fmt\"\nfunc X() { fmt.Println(1) }\n"})
	AssertNoDirectImports(t, dir, InternalImportForbidden, "none")
}
