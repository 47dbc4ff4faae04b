package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
)

func TestParse_Shapes(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		want      []Entry
		malformed int
	}{
		{
			name: "list",
			in:   `[{"cgId":"bitcoin","description":" Digital gold ","imageUrl":"https://img/btc.png"}]`,
			want: []Entry{{ID: "bitcoin", Details: schema.Details{Description: "Digital gold", ImageRef: "https://img/btc.png"}}},
		},
		{
			name: "items wrapper with id key",
			in:   `{"items":[{"id":"ethereum","imageRef":"eth.png"}]}`,
			want: []Entry{{ID: "ethereum", Details: schema.Details{ImageRef: "eth.png"}}},
		},
		{
			name: "mapping of objects",
			in:   `{"bitcoin":{"description":"d","image":"i"}}`,
			want: []Entry{{ID: "bitcoin", Details: schema.Details{Description: "d", ImageRef: "i"}}},
		},
		{
			name: "mapping of descriptions",
			in:   `{"bitcoin":"Bitcoin text","ethereum":"Ethereum text"}`,
			want: []Entry{
				{ID: "bitcoin", Details: schema.Details{Description: "Bitcoin text"}},
				{ID: "ethereum", Details: schema.Details{Description: "Ethereum text"}},
			},
		},
		{
			name:      "malformed items are counted",
			in:        `[{"cgId":"a","description":"d"}, 42, {"description":"no id"}, {"cgId":"b","description":7}]`,
			want:      []Entry{{ID: "a", Details: schema.Details{Description: "d"}}},
			malformed: 3,
		},
		{
			name: "null fields are absent",
			in:   `[{"cgId":"a","description":null,"imageUrl":"i"}]`,
			want: []Entry{{ID: "a", Details: schema.Details{ImageRef: "i"}}},
		},
		{
			name:      "mapping with bad value",
			in:        `{"a":["x"],"b":"desc"}`,
			want:      []Entry{{ID: "b", Details: schema.Details{Description: "desc"}}},
			malformed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Parse([]byte(tt.in))
			if err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			if b.Malformed != tt.malformed {
				t.Errorf("Malformed = %d, want %d", b.Malformed, tt.malformed)
			}
			if len(b.Entries) != len(tt.want) {
				t.Fatalf("entries = %+v, want %+v", b.Entries, tt.want)
			}
			for i := range tt.want {
				if b.Entries[i] != tt.want[i] {
					t.Errorf("entry %d = %+v, want %+v", i, b.Entries[i], tt.want[i])
				}
			}
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, in := range []string{`not json`, `42`, `"text"`, `{"items":{"a":1}}`, ``,
		`[]`, `{}`, `[42]`, `{"items":[]}`, `{"a":7}`, `[{"description":"no id"}]`} {
		if _, err := Parse([]byte(in)); !errors.Is(err, ErrMalformedPatch) {
			t.Errorf("Parse(%q) = %v, want ErrMalformedPatch", in, err)
		}
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patch.json")
	if err := os.WriteFile(path, []byte(`{"bitcoin":"d"}`), 0644); err != nil {
		t.Fatal(err)
	}
	b, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() failed: %v", err)
	}
	if len(b.Entries) != 1 {
		t.Errorf("entries = %+v", b.Entries)
	}
	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("ParseFile(missing) should fail")
	}
}

func openStore(t *testing.T, ids ...string) *db.DB {
	t.Helper()
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "tokens.db"), db.Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	for _, id := range ids {
		if _, err := store.UpsertSeed(context.Background(), id, "S", "N"); err != nil {
			t.Fatalf("UpsertSeed() failed: %v", err)
		}
	}
	return store
}

func fixedNow() time.Time { return time.Unix(1_700_000_000, 0) }

func TestApply_Counts(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "a", "b", "c", "d", "e", "f", "g")

	b := &Batch{Entries: []Entry{
		{ID: "a", Details: schema.Details{Description: "da"}},
		{ID: "b", Details: schema.Details{ImageRef: "ib"}},
		{ID: "c", Details: schema.Details{Description: "dc", ImageRef: "ic"}},
		{ID: "d", Details: schema.Details{Description: "dd"}},
		{ID: "e", Details: schema.Details{Description: "de"}},
		{ID: "x1", Details: schema.Details{Description: "x"}},
		{ID: "x2", Details: schema.Details{Description: "x"}},
		{ID: "x3", Details: schema.Details{ImageRef: "x"}},
		{ID: "f"},
		{ID: "g"},
	}}

	res, err := Apply(ctx, store, b, Options{BumpGeneration: true, Now: fixedNow})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if res.Updated != 5 || res.MissingInStore != 3 || res.Skipped != 2 {
		t.Errorf("counts = %d/%d/%d, want 5/3/2", res.Updated, res.MissingInStore, res.Skipped)
	}
	if res.Generation != 1 {
		t.Errorf("generation = %d, want 1", res.Generation)
	}
	if len(res.Outcomes) != 10 {
		t.Errorf("outcomes = %d, want 10", len(res.Outcomes))
	}

	r, err := store.Get(ctx, "c")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if r.Description != "dc" || r.ImageRef != "ic" || r.UpdatedAt != fixedNow().Unix() {
		t.Errorf("record c = %+v", *r)
	}
	if ok, _ := store.Exists(ctx, "x1"); ok {
		t.Error("patch created a record")
	}
}

func TestApply_NoChangeNoBump(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "a")
	store.UpsertDetails(ctx, "a", schema.Details{Description: "kept"}, 1, schema.FillOnly)

	b := &Batch{Entries: []Entry{{ID: "a", Details: schema.Details{Description: "other"}}}}
	res, err := Apply(ctx, store, b, Options{BumpGeneration: true})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if res.Updated != 0 || res.Unchanged != 1 || res.Generation != 0 || res.GenerationSet {
		t.Errorf("result = %+v", res)
	}
	r, _ := store.Get(ctx, "a")
	if r.Description != "kept" {
		t.Errorf("fill-only patch overwrote description: %q", r.Description)
	}
}

func TestApply_ReapplyCountsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "a", "b")

	b := &Batch{
		Entries: []Entry{
			{ID: "a", Details: schema.Details{Description: "da"}},
			{ID: "b", Details: schema.Details{ImageRef: "ib"}},
			{ID: "gone", Details: schema.Details{Description: "dx"}},
		},
		Malformed: 1,
	}
	total := len(b.Entries) + b.Malformed

	for i, want := range []struct{ updated, unchanged int }{{2, 0}, {0, 2}} {
		res, err := Apply(ctx, store, b, Options{})
		if err != nil {
			t.Fatalf("Apply() #%d failed: %v", i+1, err)
		}
		if res.Updated != want.updated || res.Unchanged != want.unchanged {
			t.Errorf("Apply() #%d updated/unchanged = %d/%d, want %d/%d",
				i+1, res.Updated, res.Unchanged, want.updated, want.unchanged)
		}
		if res.MissingInStore != 1 || res.Skipped != 1 {
			t.Errorf("Apply() #%d missing/skipped = %d/%d, want 1/1", i+1, res.MissingInStore, res.Skipped)
		}
		if sum := res.Updated + res.Unchanged + res.MissingInStore + res.Skipped; sum != total {
			t.Errorf("Apply() #%d counts sum to %d, want %d", i+1, sum, total)
		}
	}
}

func TestApply_Overwrite(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "a")
	store.UpsertDetails(ctx, "a", schema.Details{Description: "old", ImageRef: "img"}, 1, schema.FillOnly)

	b := &Batch{Entries: []Entry{{ID: "a", Details: schema.Details{Description: "new"}}}}
	res, err := Apply(ctx, store, b, Options{Mode: schema.Overwrite, Now: fixedNow})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("updated = %d, want 1", res.Updated)
	}
	r, _ := store.Get(ctx, "a")
	if r.Description != "new" || r.ImageRef != "img" {
		t.Errorf("record = %+v", *r)
	}
}

func TestApply_DryRun(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "a")

	b := &Batch{Entries: []Entry{{ID: "a", Details: schema.Details{Description: "d"}}}}
	res, err := Apply(ctx, store, b, Options{DryRun: true, BumpGeneration: true})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if res.Updated != 1 || res.Generation != 1 || !res.DryRun {
		t.Errorf("result = %+v", res)
	}

	r, _ := store.Get(ctx, "a")
	if r.Description != "" {
		t.Errorf("dry run wrote description %q", r.Description)
	}
	if gen, _ := store.Generation(ctx); gen != 0 {
		t.Errorf("dry run changed generation to %d", gen)
	}
}

func TestApply_SetGeneration(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "a")

	v := int64(20)
	res, err := Apply(ctx, store, &Batch{}, Options{SetGeneration: &v})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if res.Generation != 20 {
		t.Errorf("generation = %d, want 20", res.Generation)
	}
}

func TestApply_MalformedCountedAsSkipped(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, "a")

	b, err := Parse([]byte(`[{"cgId":"a","description":"d"}, 1, 2]`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	res, err := Apply(ctx, store, b, Options{})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if res.Updated != 1 || res.Skipped != 2 || res.Malformed != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestAudit_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.audit.yaml")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Audit{
		Source:    "descriptions.json",
		AppliedAt: at,
		Mode:      schema.FillOnly.String(),
		Result:    &Result{Updated: 2, MissingInStore: 1, Generation: 4, GenerationSet: true},
	}
	if err := WriteAudit(path, in); err != nil {
		t.Fatalf("WriteAudit() failed: %v", err)
	}
	out, err := ReadAudit(path)
	if err != nil {
		t.Fatalf("ReadAudit() failed: %v", err)
	}
	if out.Source != in.Source || !out.AppliedAt.Equal(at) || out.Result.Updated != 2 || out.Result.Generation != 4 {
		t.Errorf("ReadAudit() = %+v", out)
	}
}

func TestCleanGarbage(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	seed := map[string]string{
		"bitcoin":  "Bitcoin is a decentralized digital currency.",
		"scam":     "Claim your airdrop now!",
		"glued":    "DocsLearn more GithubImplement now",
		"ethereum": "",
	}
	for id, desc := range seed {
		if _, err := store.UpsertSeed(ctx, id, id, id); err != nil {
			t.Fatal(err)
		}
		if desc != "" {
			if _, err := store.UpsertDetails(ctx, id, schema.Details{Description: desc, ImageRef: id + ".png"}, 10, schema.FillOnly); err != nil {
				t.Fatal(err)
			}
		}
	}

	dry, err := CleanGarbage(ctx, store, CleanOptions{DryRun: true, BumpGeneration: true})
	if err != nil {
		t.Fatalf("CleanGarbage(dry) failed: %v", err)
	}
	if dry.Scanned != 3 || dry.Cleared != 2 || dry.Generation != 1 {
		t.Errorf("dry run = %+v", dry)
	}
	if r, _ := store.Get(ctx, "scam"); r.Description == "" {
		t.Fatal("dry run cleared a description")
	}

	res, err := CleanGarbage(ctx, store, CleanOptions{
		BumpGeneration: true,
		Now:            func() time.Time { return time.Unix(500, 0) },
	})
	if err != nil {
		t.Fatalf("CleanGarbage() failed: %v", err)
	}
	if res.Cleared != 2 || res.Generation != 1 {
		t.Errorf("result = %+v", res)
	}

	scam, _ := store.Get(ctx, "scam")
	if scam.Description != "" || scam.ImageRef != "scam.png" || scam.UpdatedAt != 500 {
		t.Errorf("scam = %+v", scam)
	}
	if btc, _ := store.Get(ctx, "bitcoin"); btc.Description == "" {
		t.Error("clean description was cleared")
	}
}
