package model

import "testing"

func TestLookupKnownModels(t *testing.T) {
	tests := []struct {
		name        string
		dimension   int
		kind        IndexKind
		cardinality int
		local       bool
	}{
		{"vit_b32", 512, IndexIVFFlat, 1, false},
		{"sift20", 128, IndexHNSW, 20, true},
		{"sift100", 128, IndexHNSW, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := Lookup(tt.name)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.name)
			}
			if d.Dimension() != tt.dimension {
				t.Errorf("Dimension() = %d, want %d", d.Dimension(), tt.dimension)
			}
			if d.Index().Kind() != tt.kind {
				t.Errorf("Index().Kind() = %q, want %q", d.Index().Kind(), tt.kind)
			}
			if d.Cardinality() != tt.cardinality {
				t.Errorf("Cardinality() = %d, want %d", d.Cardinality(), tt.cardinality)
			}
			if d.LocalFeatures() != tt.local {
				t.Errorf("LocalFeatures() = %v, want %v", d.LocalFeatures(), tt.local)
			}
			if d.Metric() != MetricL2 {
				t.Errorf("Metric() = %q, want %q", d.Metric(), MetricL2)
			}
		})
	}
}

func TestLookupUnknownModel(t *testing.T) {
	if _, ok := Lookup("resnet50"); ok {
		t.Error("Lookup of unknown model reported ok")
	}
}

func TestNamesSorted(t *testing.T) {
	names := Names()
	want := []string{"sift100", "sift20", "vit_b32"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestIndexParams(t *testing.T) {
	vit, _ := Lookup("vit_b32")
	if vit.Index().NList() != 2048 {
		t.Errorf("vit_b32 nlist = %d, want 2048", vit.Index().NList())
	}
	if vit.Search().NProbe() != 64 {
		t.Errorf("vit_b32 nprobe = %d, want 64", vit.Search().NProbe())
	}

	sift, _ := Lookup("sift20")
	if sift.Index().M() != 8 || sift.Index().EfConstruction() != 200 {
		t.Errorf("sift20 index = (M=%d, efConstruction=%d), want (8, 200)",
			sift.Index().M(), sift.Index().EfConstruction())
	}
	if sift.Search().Ef() != 100 {
		t.Errorf("sift20 ef = %d, want 100", sift.Search().Ef())
	}
}
