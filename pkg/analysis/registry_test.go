package analysis

import (
	"bytes"
	"strings"
	"testing"

	"github.com/otherjamesbrown/mailpulse/pkg/logging"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Definition{Kind: KindSentiment, DisplayName: "Sentiment"})

	got, ok := r.Get(KindSentiment)
	if !ok {
		t.Fatal("Get() did not find registered definition")
	}
	if got.DisplayName != "Sentiment" {
		t.Errorf("Get() returned %q, want %q", got.DisplayName, "Sentiment")
	}
	if !r.Has(KindSentiment) {
		t.Error("Has() = false for registered kind")
	}
	if r.Has(KindKudos) {
		t.Error("Has() = true for unregistered kind")
	}
}

func TestRegistry_OverwriteWarnsAndLastWins(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, JSONFormat: true, Output: buf})
	r := NewRegistry(log)

	r.Register(Definition{Kind: KindSentiment, DisplayName: "first"})
	r.Register(Definition{Kind: KindSentiment, DisplayName: "second"})

	if r.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", r.Size())
	}
	got, _ := r.Get(KindSentiment)
	if got.DisplayName != "second" {
		t.Errorf("Get() returned %q, want last registration", got.DisplayName)
	}
	if !strings.Contains(buf.String(), "Overwriting analysis definition") {
		t.Errorf("expected overwrite warning, got logs: %s", buf.String())
	}
	if n := len(r.GetAll()); n != 1 {
		t.Errorf("GetAll() returned %d definitions, want 1", n)
	}
}

func TestRegistry_GetAllKeepsOrder(t *testing.T) {
	r := InitRegistry(DefaultCatalog(), nil)

	all := r.GetAll()
	catalog := DefaultCatalog()
	if len(all) != len(catalog) {
		t.Fatalf("GetAll() returned %d, want %d", len(all), len(catalog))
	}
	for i := range catalog {
		if all[i].Kind != catalog[i].Kind {
			t.Errorf("GetAll()[%d] = %s, want %s", i, all[i].Kind, catalog[i].Kind)
		}
	}
}

func TestRegistry_GetEnabledAnalysesDropsUnknown(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, JSONFormat: true, Output: buf})
	r := InitRegistry(DefaultCatalog(), log)

	defs := r.GetEnabledAnalyses([]Kind{KindSentiment, "horoscope", KindEscalation})
	if len(defs) != 2 {
		t.Fatalf("GetEnabledAnalyses() returned %d definitions, want 2", len(defs))
	}
	if defs[0].Kind != KindSentiment || defs[1].Kind != KindEscalation {
		t.Errorf("GetEnabledAnalyses() = [%s %s], want [sentiment escalation]", defs[0].Kind, defs[1].Kind)
	}
	if !strings.Contains(buf.String(), "horoscope") {
		t.Errorf("expected warning naming unknown kind, got logs: %s", buf.String())
	}
}

func TestRegistry_Clear(t *testing.T) {
	r := InitRegistry(DefaultCatalog(), nil)
	r.Clear()

	if r.Size() != 0 {
		t.Errorf("Size() after Clear() = %d, want 0", r.Size())
	}
	if len(r.GetAll()) != 0 {
		t.Error("GetAll() after Clear() is not empty")
	}
}

func TestDefaultCatalog(t *testing.T) {
	seen := map[Kind]bool{}
	for _, def := range DefaultCatalog() {
		if seen[def.Kind] {
			t.Errorf("duplicate catalog kind %s", def.Kind)
		}
		seen[def.Kind] = true

		if def.Settings.AlwaysRun {
			if def.Module != nil {
				t.Errorf("%s: always-run kinds are served by collaborators, not prompts", def.Kind)
			}
			continue
		}
		if def.Module == nil || def.Module.Schema == nil {
			t.Errorf("%s: missing prompt module or schema", def.Kind)
			continue
		}
		if def.Model.Primary == "" {
			t.Errorf("%s: missing primary model", def.Kind)
		}
	}
	if len(DefaultEnabledKinds()) != 7 {
		t.Errorf("DefaultEnabledKinds() = %v, want 7 model-backed kinds", DefaultEnabledKinds())
	}
}
