package schema

import "testing"

func TestNewRejectsDuplicateFieldNames(t *testing.T) {
	_, err := New("power", []Field{
		{Name: "v", Type: TypeDouble},
		{Name: "v", Type: TypeBool},
	})
	if err == nil {
		t.Fatal("expected error for duplicate field name")
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New("power", []Field{{Name: "v", Type: TypeUnknown}})
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestFieldIndex(t *testing.T) {
	s, err := New("power", []Field{
		{Name: "v", Type: TypeDouble},
		{Name: "ok", Type: TypeBool},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if i := s.FieldIndex("ok"); i != 1 {
		t.Fatalf("FieldIndex(ok) = %d, want 1", i)
	}
	if i := s.FieldIndex("missing"); i != -1 {
		t.Fatalf("FieldIndex(missing) = %d, want -1", i)
	}
}

func TestPrimaryKeySentinelIsExcludedFromPayload(t *testing.T) {
	s, err := New("power", []Field{
		{Name: PrimaryKey, Type: TypeInt32},
		{Name: "v", Type: TypeDouble},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.HasPrimaryKey() {
		t.Fatal("HasPrimaryKey() = false, want true")
	}
	payload := s.PayloadFields()
	if len(payload) != 1 || payload[0].Name != "v" {
		t.Fatalf("PayloadFields() = %v, want just the v field", payload)
	}

	plain, err := New("power2", []Field{{Name: "v", Type: TypeDouble}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if plain.HasPrimaryKey() {
		t.Fatal("HasPrimaryKey() = true for a schema without the sentinel")
	}
}

func TestCheckTypeMismatch(t *testing.T) {
	f := Field{Name: "v", Type: TypeDouble}
	if err := CheckType(f, Double(3.14)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := CheckType(f, Bool(true)); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestMStringGrows(t *testing.T) {
	m := NewMString(4)
	m.Set([]byte("ab"))
	if string(m.Bytes()) != "ab" {
		t.Fatalf("got %q", m.Bytes())
	}
	m.Append([]byte("cdefgh"))
	if string(m.Bytes()) != "abcdefgh" {
		t.Fatalf("got %q", m.Bytes())
	}
	if m.Cap() < 8 {
		t.Fatalf("expected growth, cap=%d", m.Cap())
	}
	m.Reset()
	if m.Len() != 0 {
		t.Fatalf("expected len 0 after reset, got %d", m.Len())
	}
}
