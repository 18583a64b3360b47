package router

import (
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	for _, d := range []string{"", " ", "12D3KooWExample", "unicode ✓", `quote " and \ slash`} {
		data, err := EncodeRequest(Request{Destination: d})
		if err != nil {
			t.Fatalf("EncodeRequest(%q) failed: %v", d, err)
		}
		got, err := DecodeRequest(data)
		if err != nil {
			t.Fatalf("DecodeRequest(%s) failed: %v", data, err)
		}
		if got.Destination != d {
			t.Errorf("Expected destination %q, got %q", d, got.Destination)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	want := Response{Receiver: "12D3KooWExample", Text: "blue"}
	data, err := EncodeResponse(want)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	got, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestWireFieldNames(t *testing.T) {
	data, _ := EncodeRequest(Request{Destination: "x"})
	if string(data) != `{"destination":"x"}` {
		t.Errorf("unexpected request encoding: %s", data)
	}

	data, _ = EncodeResponse(Response{Receiver: "a", Text: "b"})
	if string(data) != `{"receiver":"a","text":"b"}` {
		t.Errorf("unexpected response encoding: %s", data)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Kind
	}{
		{"request", `{"destination":""}`, KindRequest},
		{"request with extra field", `{"destination":"p","extra":1}`, KindRequest},
		{"response", `{"receiver":"p","text":"red"}`, KindResponse},
		{"response missing text", `{"receiver":"p"}`, KindMalformed},
		{"not json", `{not json`, KindMalformed},
		{"unknown field", `{"unknown":1}`, KindMalformed},
		{"null destination", `{"destination":null}`, KindMalformed},
		{"numeric destination", `{"destination":5}`, KindMalformed},
		{"array", `[]`, KindMalformed},
		{"empty", ``, KindMalformed},
		{"capitalized destination", `{"Destination":""}`, KindMalformed},
		{"upper case destination", `{"DESTINATION":""}`, KindMalformed},
		{"mixed case response", `{"Receiver":"x","TEXT":"y"}`, KindMalformed},
		{"null text", `{"receiver":"p","text":null}`, KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, _ := Classify([]byte(tt.data))
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
