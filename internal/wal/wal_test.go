package wal

import "testing"

func TestWriteThenIterateFrom(t *testing.T) {
	m := NewMemory()
	if _, err := m.Write(Row{GSN: 1, Body: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Write(Row{GSN: 2, Body: []byte("b")}); err != nil {
		t.Fatal(err)
	}

	it, err := m.IterateFrom(2)
	if err != nil {
		t.Fatal(err)
	}
	row, ok, err := it.Next()
	if err != nil || !ok {
		t.Fatalf("expected a row, got ok=%v err=%v", ok, err)
	}
	if row.GSN != 2 {
		t.Fatalf("expected gsn 2, got %d", row.GSN)
	}
	_, ok, _ = it.Next()
	if ok {
		t.Fatal("expected iterator to be exhausted")
	}
}

func TestWriteAtRejectsDuplicateGSN(t *testing.T) {
	m := NewMemory()
	if err := m.WriteAt(Row{GSN: 5, Body: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteAt(Row{GSN: 5, Body: []byte("y")}); err == nil {
		t.Fatal("expected duplicate gsn to be rejected")
	}
}

func TestHighestGSNTracksMax(t *testing.T) {
	m := NewMemory()
	m.Write(Row{GSN: 3, Body: nil})
	m.Write(Row{GSN: 7, Body: nil})
	m.Write(Row{GSN: 5, Body: nil})
	if got := m.HighestGSN(); got != 7 {
		t.Fatalf("expected highest gsn 7, got %d", got)
	}
}
