package fingerprint

import (
	"testing"

	"kiln/internal/value"
)

func buildInput() *value.Map {
	m := value.NewMap()
	m.Set("a", value.Scalar{V: float64(1)})
	m.Set("b", value.Scalar{V: "two"})
	seq := value.NewSeq(value.Scalar{V: float64(1)}, value.Scalar{V: float64(2)})
	m.Set("c", seq)
	return m
}

func TestFingerprintDeterministic(t *testing.T) {
	body := ComputeBodyDigest("sum_files", "")

	fp1, err := Fingerprint(body, buildInput())
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fp2, err := Fingerprint(body, buildInput())
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprint not deterministic for equal input: %s != %s", fp1, fp2)
	}
}

func TestFingerprintChangesWithInput(t *testing.T) {
	body := ComputeBodyDigest("sum_files", "")

	fp1, err := Fingerprint(body, buildInput())
	if err != nil {
		t.Fatal(err)
	}

	changed := buildInput()
	changed.Set("a", value.Scalar{V: float64(2)})
	fp2, err := Fingerprint(body, changed)
	if err != nil {
		t.Fatal(err)
	}

	if fp1 == fp2 {
		t.Fatal("fingerprint did not change when input changed")
	}
}

func TestFingerprintFoldsTypeNameIn(t *testing.T) {
	input := buildInput()

	fpA, err := Fingerprint(ComputeBodyDigest("type_a", ""), input)
	if err != nil {
		t.Fatal(err)
	}
	fpB, err := Fingerprint(ComputeBodyDigest("type_b", ""), input)
	if err != nil {
		t.Fatal(err)
	}
	if fpA == fpB {
		t.Fatal("two distinct task types with identical input collided")
	}
}

func TestReduceMapSortsKeys(t *testing.T) {
	m := value.NewMap()
	m.Set("z", value.Scalar{V: float64(1)})
	m.Set("a", value.Scalar{V: float64(2)})

	out, err := Reduce(m)
	if err != nil {
		t.Fatal(err)
	}
	reduced, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("Reduce(map) returned %T, want map[string]any", out)
	}
	if len(reduced) != 2 {
		t.Fatalf("len(reduced) = %d, want 2", len(reduced))
	}
}
