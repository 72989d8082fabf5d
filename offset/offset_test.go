package offset

import "testing"

func TestString(t *testing.T) {
	tests := []struct {
		name string
		o    Offset
		want string
	}{
		{"zero", Offset{}, "0000000000000000_0000000000000000"},
		{"simple", Offset{ReadSeq: 0, ByteOffset: 11}, "0000000000000000_0000000000000011"},
		{"large", Offset{ReadSeq: 1, ByteOffset: 1234567890}, "0000000000000001_0000001234567890"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.o.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Offset
		wantErr bool
	}{
		{name: "empty", in: "", want: Zero},
		{name: "minus one", in: "-1", want: Zero},
		{name: "zero string", in: "0000000000000000_0000000000000000", want: Offset{}},
		{name: "non padded", in: "3_142", want: Offset{ReadSeq: 3, ByteOffset: 142}},
		{name: "canonical", in: "0000000000000003_0000000000000142", want: Offset{ReadSeq: 3, ByteOffset: 142}},
		{name: "comma rejected", in: "0,11", wantErr: true},
		{name: "leading plus rejected", in: "+1_2", wantErr: true},
		{name: "double underscore rejected", in: "1__2", wantErr: true},
		{name: "no underscore rejected", in: "12", wantErr: true},
		{name: "trailing underscore rejected", in: "12_", wantErr: true},
		{name: "leading underscore rejected", in: "_12", wantErr: true},
		{name: "negative rejected", in: "-2_3", wantErr: true},
		{name: "scientific rejected", in: "1e3_2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCompareAndOrdering(t *testing.T) {
	a := Offset{ReadSeq: 1, ByteOffset: 100}
	b := Offset{ReadSeq: 1, ByteOffset: 200}
	c := Offset{ReadSeq: 2, ByteOffset: 0}

	if !a.Less(b) {
		t.Error("expected a < b")
	}
	if !b.Less(c) {
		t.Error("expected b < c (readSeq dominates byteOffset)")
	}
	if Compare(a, a) != 0 {
		t.Error("expected a == a")
	}
	if !a.Equal(a) {
		t.Error("expected Equal(a, a)")
	}
}

func TestAdvance(t *testing.T) {
	o := Offset{ReadSeq: 2, ByteOffset: 50}
	next := o.Advance(10)
	want := Offset{ReadSeq: 3, ByteOffset: 60}
	if next != want {
		t.Errorf("Advance() = %+v, want %+v", next, want)
	}
}

func TestIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Error("Zero.IsZero() = false")
	}
	if (Offset{ByteOffset: 1}).IsZero() {
		t.Error("non-zero offset reported as zero")
	}
}
