package protocol

import "testing"

func TestRequestValidate(t *testing.T) {
	r := TaskRequest{Method: "vm.get", Hostname: "vc01.example.org"}
	if err := r.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	missing := []TaskRequest{
		{Hostname: "vc01.example.org"},
		{Method: "vm.get"},
		{Method: "  ", Hostname: "vc01.example.org"},
		{},
	}
	for i, m := range missing {
		if err := m.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %#v", i, m)
		}
	}
}

func TestCanonicalKeyDeterministic(t *testing.T) {
	a := TaskRequest{
		Method:     "vm.get",
		Hostname:   "vc01.example.org",
		Name:       "vm01.example.org",
		Properties: []string{"runtime.powerState", "name"},
	}
	b := a
	b.Properties = []string{"runtime.powerState", "name"}
	if a.CanonicalKey() != b.CanonicalKey() {
		t.Fatalf("identical requests produced different keys")
	}
}

func TestCanonicalKeySensitivity(t *testing.T) {
	base := TaskRequest{
		Method:     "vm.get",
		Hostname:   "vc01.example.org",
		Name:       "vm01.example.org",
		Properties: []string{"runtime.powerState"},
	}

	byName := base
	byName.Name = "vm02.example.org"
	if base.CanonicalKey() == byName.CanonicalKey() {
		t.Fatalf("differing name must produce a distinct key")
	}

	byProps := base
	byProps.Properties = []string{"runtime.powerState", "config.version"}
	if base.CanonicalKey() == byProps.CanonicalKey() {
		t.Fatalf("differing properties must produce a distinct key")
	}

	byOrder := base
	byOrder.Properties = []string{"config.version", "runtime.powerState"}
	byProps2 := base
	byProps2.Properties = []string{"runtime.powerState", "config.version"}
	if byProps2.CanonicalKey() == byOrder.CanonicalKey() {
		t.Fatalf("properties are an ordered list, order must be key-significant")
	}
}

// Field values containing delimiter bytes must not let two distinct
// requests share a cache slot.
func TestCanonicalKeyDelimiterSafe(t *testing.T) {
	pairs := []struct {
		a, b TaskRequest
	}{
		{
			a: TaskRequest{Method: "vm.get", Hostname: "a&hostname=b"},
			b: TaskRequest{Method: "vm.get&hostname=a", Hostname: "b"},
		},
		{
			a: TaskRequest{Method: "vm.get", Hostname: "vc01", Properties: []string{"a,b"}},
			b: TaskRequest{Method: "vm.get", Hostname: "vc01", Properties: []string{"a", "b"}},
		},
		{
			a: TaskRequest{Method: "vm.get", Hostname: "vc01", Name: "x", Key: ""},
			b: TaskRequest{Method: "vm.get", Hostname: "vc01", Name: "", Key: "x"},
		},
	}
	for i, p := range pairs {
		if p.a.CanonicalKey() == p.b.CanonicalKey() {
			t.Fatalf("case %d: distinct requests %#v and %#v share a key %q", i, p.a, p.b, p.a.CanonicalKey())
		}
	}
}
