package chromiumflags

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseFlags(t *testing.T) {
	if got := ParseFlags(""); got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice for empty input, got: %#v", got)
	}

	input := "  --foo --bar=1\t--baz  "
	got := ParseFlags(input)
	want := []string{"--foo", "--bar=1", "--baz"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseFlags mismatch:\n got: %#v\nwant: %#v", got, want)
	}

	// Quotes are not supported; ensure simple word splitting occurs
	got = ParseFlags(`--flag="with space" --qux`)
	if len(got) != 3 {
		t.Fatalf("expected 3 tokens due to simple splitting, got %d: %#v", len(got), got)
	}
}

func TestMerge_LaterLayerOverridesValue(t *testing.T) {
	defaults := []string{"--headless=new", "--window-size=800,600", "--mute-audio"}
	env := []string{"--window-size=1024,768", "", "--lang=en-US"}
	file := []string{"--headless=old", "--mute-audio"}

	got := Merge(defaults, env, file)
	want := []string{"--headless=old", "--window-size=1024,768", "--mute-audio", "--lang=en-US"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Merge mismatch:\n got: %#v\nwant: %#v", got, want)
	}
}

func TestMerge_NoLayers(t *testing.T) {
	if got := Merge(); len(got) != 0 {
		t.Fatalf("expected no flags, got %#v", got)
	}
}

func TestWithout(t *testing.T) {
	tokens := []string{"--remote-debugging-port=9222", "--no-sandbox", "--user-data-dir=/tmp/x", "--remote-debugging-pipe"}
	got := Without(tokens, "--remote-debugging-port", "--user-data-dir")
	want := []string{"--no-sandbox", "--remote-debugging-pipe"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Without mismatch:\n got: %#v\nwant: %#v", got, want)
	}
}

func TestReadOptionalFlagFile(t *testing.T) {
	dir := t.TempDir()

	if got, err := ReadOptionalFlagFile(""); err != nil || got != nil {
		t.Fatalf("empty path: got %#v, %v", got, err)
	}
	if got, err := ReadOptionalFlagFile(filepath.Join(dir, "missing.json")); err != nil || got != nil {
		t.Fatalf("missing file: got %#v, %v", got, err)
	}

	path := filepath.Join(dir, "flags.json")
	if err := os.WriteFile(path, []byte(`{"flags": [" --foo ", "", "--bar=1"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadOptionalFlagFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"--foo", "--bar=1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ReadOptionalFlagFile mismatch:\n got: %#v\nwant: %#v", got, want)
	}

	if err := os.WriteFile(path, []byte(`{"other": []}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadOptionalFlagFile(path); err == nil {
		t.Fatal("expected error for a file without a flags array")
	}

	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := ReadOptionalFlagFile(path); err != nil || got != nil {
		t.Fatalf("blank file: got %#v, %v", got, err)
	}
}
