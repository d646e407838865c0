package browser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeNodes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"null", "null", nil},
		{"empty", "", nil},
		{"empty array", "[]", []string{}},
		{"drops blank", `["<p>a</p>", "  ", "<p>b</p>"]`, []string{"<p>a</p>", "<p>b</p>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeNodes([]byte(tt.raw))
			if err != nil {
				t.Fatalf("decodeNodes: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := decodeNodes([]byte(`{"not":"a list"}`)); err == nil {
		t.Error("expected error for non-array queue")
	}
}
