package registry_test

import (
	"errors"
	"testing"

	"ggmlforge/internal/config"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/services"
)

func TestSeedArtifacts(t *testing.T) {
	artifacts, err := registry.NewArtifacts()
	if err != nil {
		t.Fatalf("NewArtifacts: %v", err)
	}
	tests := []struct {
		name     string
		want     registry.SourceName
		location string
	}{
		{"Llama2_7b", registry.Llama2_7b, "https://huggingface.co/meta-llama/Llama-2-7b-hf"},
		{"llama2chat7b", registry.Llama2Chat7b, "https://huggingface.co/meta-llama/Llama-2-7b-chat-hf"},
		{" LLAMA2CHINESE7B ", registry.Llama2Chinese7b, "https://huggingface.co/LinkSoul/Chinese-Llama-2-7b"},
	}
	for _, tc := range tests {
		got, location, ok := artifacts.Resolve(tc.name)
		if !ok {
			t.Fatalf("expected %q to resolve", tc.name)
		}
		if got != tc.want || location != tc.location {
			t.Fatalf("Resolve(%q) = %q, %q", tc.name, got, location)
		}
	}
	if _, _, ok := artifacts.Resolve("Mistral7b"); ok {
		t.Fatal("unexpected match for unknown source")
	}
	if len(artifacts.List()) != 3 {
		t.Fatalf("expected 3 seed sources, got %d", len(artifacts.List()))
	}
}

func TestProfiles(t *testing.T) {
	profiles := registry.NewProfiles()
	tests := map[string]string{"Q4": "q4_0", "q8": "q8_0", "F16": "f16", "f32": "f32"}
	for name, want := range tests {
		_, tag, ok := profiles.Resolve(name)
		if !ok || tag != want {
			t.Fatalf("Resolve(%q) = %q, %v; want %q", name, tag, ok, want)
		}
	}
	if _, ok := profiles.Tag("Q5"); ok {
		t.Fatal("unexpected tag for unknown profile")
	}
}

func TestFromConfigMergesSources(t *testing.T) {
	cfg := config.Default()
	cfg.Sources = []config.Source{
		{Name: "TinyLlama", Location: "/srv/models/tinyllama"},
		{Name: "llama2_7b", Location: "https://mirror.example/llama-2-7b"},
	}
	reg, err := registry.FromConfig(&cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if location, ok := reg.Artifacts.Location("TinyLlama"); !ok || location != "/srv/models/tinyllama" {
		t.Fatalf("expected configured source, got %q %v", location, ok)
	}
	name, location, ok := reg.Artifacts.Resolve("Llama2_7b")
	if !ok || location != "https://mirror.example/llama-2-7b" {
		t.Fatalf("expected override, got %q %v", location, ok)
	}
	if name != "llama2_7b" {
		t.Fatalf("override should carry configured spelling, got %q", name)
	}
	if got := len(reg.Artifacts.List()); got != 4 {
		t.Fatalf("expected 4 sources, got %d", got)
	}
}

func TestListIsCopy(t *testing.T) {
	artifacts, err := registry.NewArtifacts()
	if err != nil {
		t.Fatalf("NewArtifacts: %v", err)
	}
	list := artifacts.List()
	list[0].Value = "tampered"
	if location, _ := artifacts.Location(registry.Llama2_7b); location == "tampered" {
		t.Fatal("List must not expose internal state")
	}
}

func TestNewArtifactsRejectsEmptyEntries(t *testing.T) {
	_, err := registry.NewArtifacts(registry.Entry{Name: "Broken"})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
