package jsoncache

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestOpenCreatesFileWithInitialContent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "dir", "__task__")

	c, err := Open(path, "[]")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Path() != path+".json" {
		t.Fatalf("Path = %q, want .json suffix", c.Path())
	}
	b, err := os.ReadFile(c.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != "[]" {
		t.Fatalf("initial content = %q, want []", b)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestOpenKeepsExistingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "conf.json")
	if err := os.WriteFile(path, []byte(`{"pid": 42}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(path, "{}")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pid, ok := c.Int("pid"); !ok || pid != 42 {
		t.Fatalf("pid = %d (%v), want 42", pid, ok)
	}
}

func TestOpenMalformedIsError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"pid": `), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, "{}"); err == nil {
		t.Fatal("expected error for malformed JSON")
	}

	scalar := filepath.Join(t.TempDir(), "scalar.json")
	if err := os.WriteFile(scalar, []byte(`12`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(scalar, "{}"); !errors.Is(err, ErrRootType) {
		t.Fatalf("err = %v, want ErrRootType", err)
	}
}

func TestSetRoundTripThroughDisk(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "conf.json")
	c, err := Open(path, "{}")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v := map[string]any{
		"title":  "标题 <b>&</b>",
		"n":      float64(7),
		"on":     true,
		"list":   []any{"a", float64(1), nil},
		"nested": map[string]any{"k": "v"},
	}
	if err := c.Set("value", v); err != nil {
		t.Fatalf("Set: %v", err)
	}

	b, _ := os.ReadFile(c.Path())
	if !strings.Contains(string(b), "<b>&</b>") || !strings.Contains(string(b), "标题") {
		t.Fatalf("file should keep raw UTF-8 and unescaped HTML: %s", b)
	}

	reopened, err := Open(path, "{}")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.Get("value")
	if !ok || !reflect.DeepEqual(got, v) {
		t.Fatalf("round trip = %#v, want %#v", got, v)
	}
}

func TestSetCopiesValue(t *testing.T) {
	t.Parallel()
	c, err := Open(filepath.Join(t.TempDir(), "c.json"), "{}")
	if err != nil {
		t.Fatal(err)
	}
	m := map[string]any{"a": "1"}
	if err := c.Set("m", m); err != nil {
		t.Fatal(err)
	}
	m["a"] = "changed"
	got, _ := c.Get("m")
	if got.(map[string]any)["a"] != "1" {
		t.Fatal("mirror shares memory with caller value")
	}
}

func TestObjectAccessors(t *testing.T) {
	t.Parallel()
	c, err := Open(filepath.Join(t.TempDir(), "c.json"), `{"name":"x","pid":"12"}`)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("missing key reported present")
	}
	if s, ok := c.String("name"); !ok || s != "x" {
		t.Fatalf("String = %q %v", s, ok)
	}
	if n, ok := c.Int("pid"); !ok || n != 12 {
		t.Fatalf("Int from string = %d %v", n, ok)
	}
	if err := c.Delete("name"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("name"); err != nil {
		t.Fatalf("deleting a missing key: %v", err)
	}
	if _, ok := c.Get("name"); ok {
		t.Fatal("deleted key still present")
	}
	if _, err := c.Items(); !errors.Is(err, ErrNotArray) {
		t.Fatalf("Items on object err = %v", err)
	}
}

func TestArrayAccessors(t *testing.T) {
	t.Parallel()
	c, err := Open(filepath.Join(t.TempDir(), "tasks.json"), `[{"cron":"* * * * *"}]`)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Get("0"); !ok || v.(map[string]any)["cron"] != "* * * * *" {
		t.Fatalf("Get(0) = %v %v", v, ok)
	}
	if _, ok := c.Get("5"); ok {
		t.Fatal("out of range index reported present")
	}
	if _, ok := c.Get("name"); ok {
		t.Fatal("non-integer key on array reported present")
	}
	if err := c.Append(map[string]any{"func": "skip"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("1", map[string]any{"func": "stop"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Set("9", "x"); !errors.Is(err, ErrIndexRange) {
		t.Fatalf("Set out of range err = %v", err)
	}
	if err := c.Set("key", "x"); !errors.Is(err, ErrKeyType) {
		t.Fatalf("Set non-integer err = %v", err)
	}
	if err := c.Delete("0"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(c.Path(), "[]")
	if err != nil {
		t.Fatal(err)
	}
	items, err := reopened.Items()
	if err != nil {
		t.Fatal(err)
	}
	want := []any{map[string]any{"func": "stop"}}
	if !reflect.DeepEqual(items, want) {
		t.Fatalf("items = %#v, want %#v", items, want)
	}
}

func TestReloadPicksUpExternalEditsAndKeepsMirrorOnError(t *testing.T) {
	t.Parallel()
	c, err := Open(filepath.Join(t.TempDir(), "tasks.json"), "[]")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.Path(), []byte(`[{"func":"skip"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len after reload = %d, want 1", c.Len())
	}

	if err := os.WriteFile(c.Path(), []byte(`[{`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(); err == nil {
		t.Fatal("expected reload error for malformed file")
	}
	if c.Len() != 1 {
		t.Fatalf("mirror changed after failed reload: len %d", c.Len())
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	t.Parallel()
	c, err := Open(filepath.Join(t.TempDir(), "c.json"), `{"a":{"b":"c"}}`)
	if err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot().(map[string]any)
	snap["a"].(map[string]any)["b"] = "mutated"
	v, _ := c.Get("a")
	if v.(map[string]any)["b"] != "c" {
		t.Fatal("snapshot mutation leaked into cache")
	}
}
