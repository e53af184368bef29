package context

import "testing"

func TestQueryScoresByKeyword(t *testing.T) {
	r := NewRegistry()
	r.AddContext(LoadedContext{
		PackID:      "hash-rules",
		Source:      AtlasSource("dev.cra"),
		Content:     "Never reimplement hash computation.",
		ContentType: "text/markdown",
		Priority:    100,
		Keywords:    []string{"hash", "trace", "compute"},
	})
	r.AddContext(LoadedContext{
		PackID:      "policy-rules",
		Source:      AtlasSource("dev.cra"),
		Content:     "Policies are evaluated in deny-first order.",
		ContentType: "text/markdown",
		Priority:    50,
		Keywords:    []string{"policy", "deny", "evaluate"},
	})

	results := r.Query("working on hash chain implementation", "")
	if len(results) != 1 || results[0].PackID != "hash-rules" {
		t.Fatalf("Query(hash) = %+v, want exactly hash-rules", results)
	}

	results = r.Query("how are policies evaluated", "")
	if len(results) != 1 || results[0].PackID != "policy-rules" {
		t.Fatalf("Query(policy) = %+v, want exactly policy-rules", results)
	}
}

func TestQueryMonotoneScoring(t *testing.T) {
	base := LoadedContext{PackID: "a", Content: "nothing relevant", Priority: 10}
	withKeyword := base
	withKeyword.PackID = "b"
	withKeyword.Keywords = []string{"widget"}

	r := NewRegistry()
	r.AddContext(base)
	r.AddContext(withKeyword)

	results := r.Query("fix the widget please", "")
	var got *LoadedContext
	for i := range results {
		if results[i].PackID == "b" {
			got = &results[i]
		}
	}
	if got == nil {
		t.Fatal("expected widget-keyword context to match")
	}
}

func TestQueryConditionalKeywords(t *testing.T) {
	r := NewRegistry()
	r.AddContext(LoadedContext{
		PackID:     "trace-editing",
		Source:     AtlasSource("dev.cra"),
		Content:    "When editing trace files...",
		Priority:   100,
		Keywords:   []string{"trace"},
		Conditions: &Conditions{Keywords: []string{"trace", "event", "hash"}},
	})

	if results := r.Query("editing trace events", ""); len(results) != 1 {
		t.Errorf("expected a match, got %d results", len(results))
	}
	if results := r.Query("editing policy rules", ""); len(results) != 0 {
		t.Errorf("expected no match, got %d results", len(results))
	}
}

func TestAtlasFilter(t *testing.T) {
	r := NewRegistry()
	r.AddContext(LoadedContext{PackID: "a", Source: AtlasSource("atlas.one"), Priority: 10, Keywords: []string{"foo"}})
	r.AddContext(LoadedContext{PackID: "b", Source: AtlasSource("atlas.two"), Priority: 10, Keywords: []string{"foo"}})

	results := r.Query("foo", "atlas.one")
	if len(results) != 1 || results[0].PackID != "a" {
		t.Fatalf("Query with atlas filter = %+v, want only atlas.one's context", results)
	}
}

func TestToBlock(t *testing.T) {
	c := LoadedContext{
		PackID:      "test",
		Source:      AtlasSource("com.test"),
		Content:     "Test content",
		ContentType: "text/markdown",
		Priority:    50,
	}
	block := c.ToBlock()
	if block.BlockID != "test" || block.SourceAtlas != "com.test" || block.Content != "Test content" || block.Priority != 50 {
		t.Errorf("ToBlock() = %+v, unexpected", block)
	}
}

func TestGetByPackIDAndAtlas(t *testing.T) {
	r := NewRegistry()
	r.AddContext(LoadedContext{PackID: "a", Source: AtlasSource("atlas.one")})
	r.AddContext(LoadedContext{PackID: "b", Source: AtlasSource("atlas.one")})

	if _, ok := r.GetByPackID("a"); !ok {
		t.Error("GetByPackID(a) should find the context")
	}
	if _, ok := r.GetByPackID("missing"); ok {
		t.Error("GetByPackID(missing) should not find anything")
	}
	if got := r.GetByAtlas("atlas.one"); len(got) != 2 {
		t.Errorf("GetByAtlas(atlas.one) = %d items, want 2", len(got))
	}
}
