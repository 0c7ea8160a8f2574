package descriptor

import "testing"

func TestValidateRejectsReservedPrefix(t *testing.T) {
	d := Descriptor{Endpoints: []Endpoint{{Name: "_custom", Type: RPC}}}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for user-declared reserved-prefix endpoint")
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	d := Descriptor{Endpoints: []Endpoint{{Name: "echo", Type: RPC}, {Name: "echo", Type: PubSub}}}
	if err := d.Validate(); err == nil {
		t.Fatal("expected error for duplicate endpoint name")
	}
}

func TestLookupFindsEndpoint(t *testing.T) {
	d := Descriptor{Endpoints: []Endpoint{{Name: "echo", Type: RPC}}}
	e, ok := d.Lookup("echo")
	if !ok || e.Type != RPC {
		t.Fatalf("expected to find echo RPC endpoint, got %#v, %v", e, ok)
	}
	if _, ok := d.Lookup("missing"); ok {
		t.Fatal("expected lookup of missing endpoint to fail")
	}
}

func TestHashStableAcrossEndpointOrder(t *testing.T) {
	a := Descriptor{
		Transport: Transport{Server: ":7000", Client: "127.0.0.1:7000"},
		Endpoints: []Endpoint{{Name: "echo", Type: RPC}, {Name: "events", Type: PubSub}},
	}
	b := Descriptor{
		Transport: Transport{Server: ":7000", Client: "127.0.0.1:7000"},
		Endpoints: []Endpoint{{Name: "events", Type: PubSub}, {Name: "echo", Type: RPC}},
	}
	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected order-independent hash, got %q vs %q", ha, hb)
	}
}

func TestHashChangesWithSchema(t *testing.T) {
	a := Descriptor{Endpoints: []Endpoint{{Name: "echo", Type: RPC, RequestSchema: []byte(`{"type":"object"}`)}}}
	b := Descriptor{Endpoints: []Endpoint{{Name: "echo", Type: RPC, RequestSchema: []byte(`{"type":"string"}`)}}}
	ha, _ := a.Hash()
	hb, _ := b.Hash()
	if ha == hb {
		t.Fatal("expected different schemas to produce different hashes")
	}
}

func TestWithReservedAppendsWithoutMutatingOriginal(t *testing.T) {
	d := Descriptor{Endpoints: []Endpoint{{Name: "echo", Type: RPC}}}
	withReserved := d.WithReserved(Endpoint{Name: "_descriptor", Type: RPC})
	if len(d.Endpoints) != 1 {
		t.Fatalf("expected original descriptor unmodified, got %d endpoints", len(d.Endpoints))
	}
	if len(withReserved.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints after WithReserved, got %d", len(withReserved.Endpoints))
	}
}

func TestAutoNotifyOrDefault(t *testing.T) {
	e := Endpoint{Name: "doc", Type: SharedObject}
	if !e.AutoNotifyOrDefault() {
		t.Fatal("expected AutoNotify to default to true")
	}
	f := false
	e.AutoNotify = &f
	if e.AutoNotifyOrDefault() {
		t.Fatal("expected explicit false AutoNotify to be honored")
	}
}
