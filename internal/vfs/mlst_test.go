package vfs

import (
	"bytes"
	"errors"
	"io/fs"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleListing = `/:
type=dir;size=0;modify=20240301120000.000;unix.mode=0755;unix.owner=ftp;unix.group=ftp; rls
type=file;size=42;modify=20240301120500.250;unix.mode=0644;x.slaves=s1,s2; README

/rls:
type=file;size=10;modify=20240301121000.000;unix.mode=0600;unix.owner=alice;unix.group=users; a.txt
type=file;size=0;modify=20240301121000; empty file.nfo
/rls/sub/deep:
type=dir;size=0;modify=20240301000000.000; leaf
`

func TestParseSnapshot(t *testing.T) {
	root, err := ParseSnapshot(strings.NewReader(sampleListing))
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	r := NewRegistry()
	if err := r.Merge(r.Root(), root); err != nil {
		t.Fatal(err)
	}

	rls := mustLookup(t, r, "/rls")
	if !rls.IsDir() {
		t.Fatal("/rls should be a directory")
	}
	if want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC); !rls.LastModified().Equal(want) {
		t.Errorf("/rls mtime = %v, want %v", rls.LastModified(), want)
	}
	if user, group := rls.Owner(); user != "ftp" || group != "ftp" {
		t.Errorf("/rls owner = %s:%s", user, group)
	}

	readme := mustLookup(t, r, "/README")
	if readme.Length() != 42 {
		t.Errorf("README length = %d", readme.Length())
	}
	if want := time.Date(2024, 3, 1, 12, 5, 0, 250*int(time.Millisecond), time.UTC); !readme.LastModified().Equal(want) {
		t.Errorf("README mtime = %v, want %v", readme.LastModified(), want)
	}
	if got := readme.Slaves(); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Errorf("README slaves = %v", got)
	}

	a := mustLookup(t, r, "/rls/a.txt")
	if a.Mode() != fs.FileMode(0600) {
		t.Errorf("a.txt mode = %v", a.Mode())
	}
	if a.Available() {
		t.Error("a.txt has no x.slaves and should have no slaves")
	}

	mustLookup(t, r, "/rls/empty file.nfo")
	mustLookup(t, r, "/rls/sub/deep/leaf")
}

func TestParseSlaveSnapshotAttributesFiles(t *testing.T) {
	root, err := ParseSlaveSnapshot(strings.NewReader(sampleListing), "s9")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	if err := r.MergeSnapshot("s9", root); err != nil {
		t.Fatal(err)
	}

	if got := mustLookup(t, r, "/rls/a.txt").Slaves(); !reflect.DeepEqual(got, []string{"s9"}) {
		t.Errorf("a.txt slaves = %v, want [s9]", got)
	}
	// A node cannot credit files to other nodes.
	if got := mustLookup(t, r, "/README").Slaves(); !reflect.DeepEqual(got, []string{"s9"}) {
		t.Errorf("README slaves = %v, want [s9]", got)
	}
}

func TestSlaveSnapshotIgnoresForeignSlaves(t *testing.T) {
	snap, err := ParseSlaveSnapshot(strings.NewReader("/:\ntype=file;size=1;x.slaves=s2; a.rar\n"), "s1")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	if err := r.MergeSnapshot("s1", snap); err != nil {
		t.Fatal(err)
	}
	f := mustLookup(t, r, "/a.rar")
	if got := f.Slaves(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("after merge slaves = %v, want [s1]", got)
	}

	r.UnmergeAll("s1")
	if got := f.Slaves(); len(got) != 0 || f.Available() {
		t.Errorf("after unmerge slaves = %v, available = %v", got, f.Available())
	}
	if _, err := r.PickSlave(f); !errors.Is(err, ErrNoAvailableSlave) {
		t.Errorf("PickSlave = %v, want ErrNoAvailableSlave", err)
	}
}

func TestParseFilelistDropsSlaves(t *testing.T) {
	root, err := ParseFilelist(strings.NewReader(sampleListing))
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry()
	if err := r.Merge(r.Root(), root); err != nil {
		t.Fatal(err)
	}
	readme := mustLookup(t, r, "/README")
	if readme.Available() || len(readme.Slaves()) != 0 {
		t.Errorf("README slaves = %v, want none", readme.Slaves())
	}
	if got := mustLookup(t, r, "/rls/a.txt").Length(); got != 10 {
		t.Errorf("a.txt length = %d", got)
	}
	if len(r.Slaves()) != 0 {
		t.Errorf("merged slaves = %v", r.Slaves())
	}
}

func TestParseSnapshotErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no facts", "/:\njustaname\n"},
		{"unknown type", "/:\ntype=link;size=0; x\n"},
		{"bad size", "/:\ntype=file;size=big; x\n"},
		{"bad modify", "/:\ntype=file;size=1;modify=yesterday; x\n"},
		{"bad mode", "/:\ntype=file;size=1;unix.mode=rwx; x\n"},
		{"duplicate file", "/:\ntype=file;size=1; x\ntype=file;size=1; x\n"},
		{"header through file", "/:\ntype=file;size=1; x\n/x/y:\n"},
		{"dot name", "/:\ntype=dir;size=0; ..\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSnapshot(strings.NewReader(tt.input)); err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
		})
	}
}

func TestParseSnapshotHeaderThroughFileIsNotDirectory(t *testing.T) {
	_, err := ParseSnapshot(strings.NewReader("/:\ntype=file;size=1; x\n/x/y:\n"))
	if !errors.Is(err, ErrNotDirectory) {
		t.Errorf("expected ErrNotDirectory, got %v", err)
	}
}

func TestWriteSnapshotRoundTrip(t *testing.T) {
	r := NewRegistry()
	first, err := ParseSnapshot(strings.NewReader(sampleListing))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Merge(r.Root(), first); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, r.Root()); err != nil {
		t.Fatal(err)
	}
	written := buf.String()
	if !strings.Contains(written, "x.slaves=s1,s2; README") {
		t.Errorf("written listing missing README entry:\n%s", written)
	}

	reparsed, err := ParseSnapshot(strings.NewReader(written))
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, written)
	}
	again := NewRegistry()
	if err := again.Merge(again.Root(), reparsed); err != nil {
		t.Fatal(err)
	}
	if got := dump(t, again); got != written {
		t.Errorf("round trip differs:\nfirst:\n%s\nsecond:\n%s", written, got)
	}
}

func TestWriteSnapshotSubtree(t *testing.T) {
	sub := mustAdd(t, NewDir("sub", ts(1)), NewFile("f", 3, ts(0).Add(time.Hour), "s1"))
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, sub); err != nil {
		t.Fatal(err)
	}
	want := "/:\ntype=file;size=3;modify=19700101010000.000;unix.mode=0644;x.slaves=s1; f\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}

	if err := WriteSnapshot(&buf, NewFile("f", 1, ts(1))); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("expected ErrNotDirectory, got %v", err)
	}
}
