package plugins

import (
	"testing"
)

func TestCatalogListsBuiltins(t *testing.T) {
	want := []string{"brave-search", "gpt-image", "memory", "openai", "shell", "telegram", "web-fetch"}
	got := Catalog().List()
	if len(got) != len(want) {
		t.Fatalf("expected %d modules, got %d", len(want), len(got))
	}
	for i, info := range got {
		if info.ID != want[i] {
			t.Errorf("expected %s at %d, got %s", want[i], i, info.ID)
		}
		if info.Name == "" {
			t.Errorf("module %s has no name", info.ID)
		}
	}
}

func TestCatalogDefaultsParse(t *testing.T) {
	for id, m := range Catalog() {
		if m.Create == nil {
			t.Errorf("module %s has no Create", id)
		}
		if _, err := m.Settings.Parse(map[string]any{}); err != nil {
			t.Errorf("module %s rejects empty settings: %v", id, err)
		}
	}
}
