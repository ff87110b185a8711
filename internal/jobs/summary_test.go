package jobs

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestFormatSummary_FirstSeenOrder(t *testing.T) {
	labels := []Label{{Class: "cat"}, {Class: "cat"}, {Class: "dog"}}
	if got, want := FormatSummary(labels), "cat:2\ndog:1"; got != want {
		t.Errorf("FormatSummary = %q, want %q", got, want)
	}

	labels = []Label{{Class: "dog"}, {Class: "cat"}, {Class: "dog"}, {Class: "person"}}
	if got, want := FormatSummary(labels), "dog:2\ncat:1\nperson:1"; got != want {
		t.Errorf("FormatSummary = %q, want %q", got, want)
	}
}

func TestFormatSummary_Empty(t *testing.T) {
	if got := FormatSummary(nil); got != "" {
		t.Errorf("expected empty summary, got %q", got)
	}
	r := &PredictionResult{JobID: "pred-1"}
	if got := FormatMessage(r); got != "Prediction pred-1 finished: no objects detected." {
		t.Errorf("unexpected message %q", got)
	}
}

func testLabels() []Label {
	return []Label{
		{Class: "cat", CX: MustCoord("0.481250"), CY: MustCoord("0.633333"), Width: MustCoord("0.1"), Height: MustCoord("0.30000000000000004")},
		{Class: "dog", CX: MustCoord("0.7"), CY: MustCoord("0.2"), Width: MustCoord("0.123456789012345678"), Height: MustCoord("1")},
	}
}

func assertSameGeometry(t *testing.T, got, want []Label) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d labels, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.Class != w.Class || !g.CX.Equal(w.CX) || !g.CY.Equal(w.CY) || !g.Width.Equal(w.Width) || !g.Height.Equal(w.Height) {
			t.Errorf("label %d: got %+v, want %+v", i, g, w)
		}
	}
}

func TestLabels_DynamoRoundTripKeepsDecimals(t *testing.T) {
	in := testLabels()
	av, err := attributevalue.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	list := av.(*types.AttributeValueMemberL)
	first := list.Value[0].(*types.AttributeValueMemberM)
	if n, ok := first.Value["height"].(*types.AttributeValueMemberN); !ok || n.Value != "0.30000000000000004" {
		t.Errorf("height stored as %#v, want exact Number", first.Value["height"])
	}

	var out []Label
	if err := attributevalue.Unmarshal(av, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	assertSameGeometry(t, out, in)
}

func TestLabels_JSONRoundTripKeepsDecimals(t *testing.T) {
	in := testLabels()
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out []Label
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	assertSameGeometry(t, out, in)

	// Re-serializing what was read back must be byte-identical.
	b2, _ := json.Marshal(out)
	if string(b) != string(b2) {
		t.Errorf("re-serialized JSON drifted:\n%s\n%s", b, b2)
	}
}
